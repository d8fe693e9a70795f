package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/ingest"
	"github.com/wirelead/wirelead/internal/ratelimit"
	"github.com/wirelead/wirelead/internal/session"
)

const defaultMessagePageSize = 50

// MessagesHandler exposes conversations and outbound messaging.
type MessagesHandler struct {
	sender        *ingest.Sender
	conversations *conversation.Store
	manager       *session.Manager
	logger        *slog.Logger
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(log *slog.Logger, sender *ingest.Sender, conversations *conversation.Store, manager *session.Manager) *MessagesHandler {
	return &MessagesHandler{
		sender:        sender,
		conversations: conversations,
		manager:       manager,
		logger:        log.With(slog.String("handler", "messages")),
	}
}

// Register registers messaging routes.
func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.Send)
	e.GET("/conversations", h.ListConversations)
	e.GET("/conversations/:id/messages", h.ListMessages)
	e.POST("/conversations/:id/read", h.MarkRead)
	e.PUT("/conversations/:id/ai", h.SetAIEnabled)
	e.PUT("/conversations/:id/persona", h.AssignPersona)
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Send delivers a text message to a phone number or JID.
func (h *MessagesHandler) Send(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	msg, err := h.sender.Send(c.Request().Context(), tenantID, req.To, req.Body)
	switch {
	case errors.Is(err, ingest.ErrEmptyBody):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, msg)
}

// ListConversations returns the tenant's conversations, most recent first.
func (h *MessagesHandler) ListConversations(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.conversations.List(c.Request().Context(), tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// ListMessages returns a conversation's messages, oldest first.
func (h *MessagesHandler) ListMessages(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.requireConversation(c, tenantID)
	if err != nil {
		return err
	}

	limit := defaultMessagePageSize
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	msgs, err := h.conversations.Messages(c.Request().Context(), conv.ID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

// MarkRead clears the unread counter and acknowledges the latest message
// on the transport when the session is connected.
func (h *MessagesHandler) MarkRead(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.requireConversation(c, tenantID)
	if err != nil {
		return err
	}

	if err := h.conversations.MarkRead(c.Request().Context(), tenantID, conv.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Read receipts are best-effort.
	if conv.LastExternalID != "" {
		if conn, err := h.manager.Conn(tenantID); err == nil {
			if err := conn.MarkRead(c.Request().Context(), conv.ExternalID, []string{conv.LastExternalID}); err != nil {
				h.logger.Debug("read receipt failed",
					slog.String("conversation_id", conv.ID), slog.Any("error", err))
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}

type aiRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAIEnabled toggles automated replies for a conversation.
func (h *MessagesHandler) SetAIEnabled(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.requireConversation(c, tenantID)
	if err != nil {
		return err
	}
	var req aiRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.conversations.SetAIEnabled(c.Request().Context(), conv.ID, req.Enabled); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type personaRequest struct {
	PersonaID string `json:"persona_id"`
}

// AssignPersona sets or clears the conversation-level persona.
func (h *MessagesHandler) AssignPersona(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.requireConversation(c, tenantID)
	if err != nil {
		return err
	}
	var req personaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.conversations.AssignPersona(c.Request().Context(), conv.ID, req.PersonaID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// requireConversation loads the conversation and enforces tenant ownership.
func (h *MessagesHandler) requireConversation(c echo.Context, tenantID string) (conversation.Conversation, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	conv, err := h.conversations.Get(c.Request().Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if conv.TenantID != tenantID {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conv, nil
}
