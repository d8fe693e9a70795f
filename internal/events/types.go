package events

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Kind identifies a live event delivered to tenant subscribers.
type Kind string

const (
	KindPairingCode     Kind = "pairing-code"
	KindSessionReady    Kind = "session-ready"
	KindDisconnected    Kind = "disconnected"
	KindSessionClosed   Kind = "session-closed"
	KindChatsUpdated    Kind = "chats-updated"
	KindClearChats      Kind = "clear-chats"
	KindNewContact      Kind = "new-contact"
	KindNewMessage      Kind = "new-message"
	KindMessageReaction Kind = "message-reaction"
	KindLeadCreated     Kind = "lead-created"
	KindContactProgress Kind = "contact-progress"
	KindOpenDialog      Kind = "open-dialog"
	KindCloseDialog     Kind = "close-dialog"
)

// Event is one unit of fan-out. Data carries the kind-specific payload.
type Event struct {
	Kind     Kind            `json:"kind"`
	TenantID string          `json:"tenant_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers events to subscribers of the event's tenant.
type Publisher interface {
	Publish(evt Event)
}

// PairingCodePayload carries a fresh pairing code.
type PairingCodePayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionPayload describes a session state change.
type SessionPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ContactProgressPayload reports contact sync progress.
type ContactProgressPayload struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// ContactPayload describes a new or updated contact conversation.
type ContactPayload struct {
	ConversationID string `json:"conversation_id"`
	ExternalID     string `json:"external_id"`
	DisplayName    string `json:"display_name,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	Kind           string `json:"kind"`
}

// ReactionPayload describes a reaction to a tracked message.
type ReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	TargetExternal string `json:"target_external_id"`
	Emoji          string `json:"emoji"`
	Removed        bool   `json:"removed"`
}

// JSON marshals a payload, logging and returning nil on failure so
// publishing stays best-effort.
func JSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal event payload failed", slog.Any("error", err))
		return nil
	}
	return data
}
