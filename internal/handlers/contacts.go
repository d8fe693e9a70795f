package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/session"
)

// ContactsHandler triggers contact re-syncs.
type ContactsHandler struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewContactsHandler creates a ContactsHandler.
func NewContactsHandler(log *slog.Logger, manager *session.Manager) *ContactsHandler {
	return &ContactsHandler{
		manager: manager,
		logger:  log.With(slog.String("handler", "contacts")),
	}
}

// Register registers contact routes.
func (h *ContactsHandler) Register(e *echo.Echo) {
	e.POST("/contacts/sync", h.Sync)
}

// Sync pulls the tenant's address book and reconciles it in the background.
func (h *ContactsHandler) Sync(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	if err := h.manager.ResyncContacts(c.Request().Context(), tenantID); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
