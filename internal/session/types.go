// Package session owns the per-tenant connection state machine and the
// registry of live sessions.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/wirelead/wirelead/internal/extract"
)

// ErrNotConnected is returned when an operation needs an open session.
var ErrNotConnected = errors.New("session not connected")

// State is the lifecycle state of one tenant's session.
type State string

const (
	StateUninitialized    State = "uninitialized"
	StatePairing          State = "pairing"
	StateOpen             State = "open"
	StateClosing          State = "closing"
	StateReconnectBackoff State = "reconnect_backoff"
	StateTerminated       State = "terminated"
)

// CloseReason classifies why a transport connection closed. The reason
// decides whether the session reconnects and after what delay.
type CloseReason string

const (
	CloseLoggedOut        CloseReason = "logged_out"
	CloseRestartRequired  CloseReason = "restart_required"
	CloseConnectionClosed CloseReason = "connection_closed"
	CloseOther            CloseReason = "other"
)

// TransportEvent is one ordered event emitted by a transport connection.
type TransportEvent interface {
	transportEvent()
}

// PairingEvent carries a fresh pairing code for an unlinked session.
type PairingEvent struct {
	Code string
}

// ReadyEvent signals the connection is open and authenticated.
type ReadyEvent struct {
	SelfJID string
}

// ClosedEvent signals the connection dropped.
type ClosedEvent struct {
	Reason CloseReason
	Detail string
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message InboundMessage
}

// RosterEvent carries contact entries pushed by the transport.
type RosterEvent struct {
	Entries []RosterEntry
}

func (PairingEvent) transportEvent() {}
func (ReadyEvent) transportEvent()   {}
func (ClosedEvent) transportEvent()  {}
func (MessageEvent) transportEvent() {}
func (RosterEvent) transportEvent()  {}

// InboundMessage is a transport message normalized for ingestion.
type InboundMessage struct {
	ExternalID string
	ChatJID    string
	SenderJID  string
	PushName   string
	FromSelf   bool
	Timestamp  time.Time
	Text       string
	Attachment *extract.Attachment
	Reaction   *Reaction
}

// Reaction references another message by its transport id. An empty
// emoji means the reaction was removed.
type Reaction struct {
	TargetExternalID string
	Emoji            string
}

// RosterEntry is one contact from the transport's address book.
type RosterEntry struct {
	JID      string
	FullName string
	PushName string
}

// Conn is a live transport connection for one tenant.
type Conn interface {
	SendText(ctx context.Context, toJID, body string) (externalID string, sentAt time.Time, err error)
	MarkRead(ctx context.Context, chatJID string, externalIDs []string) error
	Presence(ctx context.Context) error
	AvatarURL(ctx context.Context, jid string) (string, error)
	Contacts(ctx context.Context) ([]RosterEntry, error)
	Authenticated() bool
	Connected() bool
	Disconnect()
}

// Transport dials tenant connections and manages their stored credentials.
type Transport interface {
	// Dial opens a connection and begins emitting ordered events on the
	// channel. For unlinked tenants the first events are pairing codes.
	Dial(ctx context.Context, tenantID string, events chan<- TransportEvent) (Conn, error)
	HasCredentials(ctx context.Context, tenantID string) (bool, error)
	EraseCredentials(ctx context.Context, tenantID string) error
	CredentialedTenants(ctx context.Context) ([]string, error)
}

// Ingestor consumes inbound messages sequentially per tenant.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID string, msg InboundMessage) error
}

// ContactSyncer reconciles a roster snapshot into conversations.
type ContactSyncer interface {
	Sync(ctx context.Context, tenantID string, conn Conn, entries []RosterEntry)
}

// Status is a snapshot of one tenant's session.
type Status struct {
	TenantID  string `json:"tenant_id"`
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
}
