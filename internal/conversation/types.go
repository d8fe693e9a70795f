// Package conversation defines conversation and message domain types
// and their relational store.
package conversation

import (
	"strings"
	"time"
)

// Kind classifies a conversation by the shape of its transport id.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
	KindBroadcast  Kind = "broadcast"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderContact   Sender = "contact"
	SenderSelf      Sender = "self"
	SenderAssistant Sender = "assistant"
)

// MessageKind distinguishes plain text from media-derived content.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageMedia MessageKind = "media"
)

// Conversation is one chat thread between a tenant and a remote party.
type Conversation struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ExternalID     string    `json:"external_id"`
	Kind           Kind      `json:"kind"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	AIEnabled      bool      `json:"ai_enabled"`
	PersonaID      string    `json:"persona_id,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	LastMessageAt  time.Time `json:"last_message_at,omitzero"`
	LastExternalID string    `json:"last_external_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one persisted message inside a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Sender      `json:"sender"`
	Kind           MessageKind `json:"kind"`
	Body           string      `json:"body"`
	ExternalID     string      `json:"external_id,omitempty"`
	SentAt         time.Time   `json:"sent_at,omitzero"`
	CreatedAt      time.Time   `json:"created_at"`
}

// CreateParams describes a new conversation.
type CreateParams struct {
	TenantID    string
	ExternalID  string
	Kind        Kind
	DisplayName string
	AvatarURL   string
	AIEnabled   bool
}

// UpsertIdentityParams overwrites identity fields during contact sync,
// creating the conversation when it does not exist yet.
type UpsertIdentityParams struct {
	TenantID    string
	ExternalID  string
	Kind        Kind
	DisplayName string
	AvatarURL   string
}

// InsertMessageParams describes a message to persist.
type InsertMessageParams struct {
	ConversationID string
	Sender         Sender
	Kind           MessageKind
	Body           string
	ExternalID     string
	SentAt         time.Time
}

// TouchParams updates conversation activity after a persisted message.
type TouchParams struct {
	ConversationID  string
	LastMessageAt   time.Time
	LastExternalID  string
	IncrementUnread bool
}

// KindForExternalID infers the conversation kind from the transport id shape.
func KindForExternalID(externalID string) Kind {
	switch {
	case strings.HasSuffix(externalID, "@g.us"):
		return KindGroup
	case strings.HasSuffix(externalID, "@broadcast"):
		return KindBroadcast
	default:
		return KindIndividual
	}
}
