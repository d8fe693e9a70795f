package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/events"
	"github.com/wirelead/wirelead/internal/ratelimit"
)

// ErrEmptyBody is returned for outbound sends with no content.
var ErrEmptyBody = errors.New("empty message body")

// Sender delivers operator-initiated outbound messages.
type Sender struct {
	logger        *slog.Logger
	conversations ConversationStore
	conns         ConnSource
	limiter       *ratelimit.Limiter
	hub           events.Publisher
}

// NewSender wires the outbound path.
func NewSender(log *slog.Logger, conversations ConversationStore, conns ConnSource, limiter *ratelimit.Limiter, hub events.Publisher) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		logger:        log.With(slog.String("component", "sender")),
		conversations: conversations,
		conns:         conns,
		limiter:       limiter,
		hub:           hub,
	}
}

// Send delivers a text message to a recipient (full JID or bare phone
// number) and persists it as a self message.
func (s *Sender) Send(ctx context.Context, tenantID, to, body string) (conversation.Message, error) {
	if strings.TrimSpace(body) == "" {
		return conversation.Message{}, ErrEmptyBody
	}
	externalChatID, err := normalizeRecipient(to)
	if err != nil {
		return conversation.Message{}, err
	}

	if err := s.limiter.Allow(tenantID); err != nil {
		return conversation.Message{}, err
	}

	conn, err := s.conns.Conn(tenantID)
	if err != nil {
		return conversation.Message{}, err
	}

	conv, err := s.conversations.GetByExternalID(ctx, tenantID, externalChatID)
	if errors.Is(err, conversation.ErrNotFound) {
		conv, err = s.conversations.Create(ctx, conversation.CreateParams{
			TenantID:   tenantID,
			ExternalID: externalChatID,
			Kind:       conversation.KindForExternalID(externalChatID),
			AIEnabled:  true,
		})
	}
	if err != nil {
		return conversation.Message{}, fmt.Errorf("resolving conversation: %w", err)
	}

	externalID, sentAt, err := conn.SendText(ctx, externalChatID, body)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("sending: %w", err)
	}

	msg, err := s.conversations.InsertMessage(ctx, conversation.InsertMessageParams{
		ConversationID: conv.ID,
		Sender:         conversation.SenderSelf,
		Kind:           conversation.MessageText,
		Body:           body,
		ExternalID:     externalID,
		SentAt:         sentAt,
	})
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persisting sent message: %w", err)
	}

	if err := s.conversations.TouchActivity(ctx, conversation.TouchParams{
		ConversationID: conv.ID,
		LastMessageAt:  sentAt,
		LastExternalID: externalID,
	}); err != nil {
		s.logger.Warn("touch activity failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Kind:     events.KindNewMessage,
			TenantID: tenantID,
			Data:     events.JSON(messagePayload{ConversationID: conv.ID, Message: msg}),
		})
	}
	return msg, nil
}

// normalizeRecipient maps a bare phone number onto the user server so the
// conversation's external id is canonical.
func normalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errors.New("empty recipient")
	}
	if strings.Contains(to, "@") {
		return to, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if len(digits) < 10 {
		return "", fmt.Errorf("recipient phone number too short: %s", to)
	}
	return digits + "@s.whatsapp.net", nil
}
