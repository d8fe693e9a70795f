package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/wirelead/wirelead/internal/db"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrDuplicateMessage is returned when a message with the same external id
// was already persisted for the conversation.
var ErrDuplicateMessage = errors.New("duplicate message")

const conversationColumns = `id, tenant_id, external_id, kind, display_name, avatar_url,
	ai_enabled, persona_id, unread_count, last_message_at, last_external_id, created_at, updated_at`

const messageColumns = `id, conversation_id, sender, kind, body, external_id, sent_at, created_at`

// Store persists conversations and messages.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a conversation store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("component", "conversation")),
	}
}

// Get returns a conversation by id.
func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, pgID)
	return scanConversation(row)
}

// GetByExternalID returns the tenant's conversation for a transport id.
func (s *Store) GetByExternalID(ctx context.Context, tenantID, externalID string) (Conversation, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND external_id = $2`,
		pgTenant, externalID)
	return scanConversation(row)
}

// Create inserts a conversation, returning the existing row if the
// (tenant, external id) pair was created concurrently.
func (s *Store) Create(ctx context.Context, params CreateParams) (Conversation, error) {
	pgTenant, err := dbpkg.ParseUUID(params.TenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, external_id, kind, display_name, avatar_url, ai_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET updated_at = now()
		RETURNING `+conversationColumns,
		pgTenant, params.ExternalID, string(params.Kind),
		dbpkg.ToText(params.DisplayName), dbpkg.ToText(params.AvatarURL), params.AIEnabled)
	return scanConversation(row)
}

// UpsertIdentity creates or refreshes a conversation from a roster entry.
// Identity fields always win over stale values; the created flag reports
// whether the conversation is new.
func (s *Store) UpsertIdentity(ctx context.Context, params UpsertIdentityParams) (Conversation, bool, error) {
	pgTenant, err := dbpkg.ParseUUID(params.TenantID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, external_id, kind, display_name, avatar_url, ai_enabled)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			display_name = EXCLUDED.display_name,
			avatar_url = COALESCE(EXCLUDED.avatar_url, conversations.avatar_url),
			updated_at = now()
		RETURNING `+conversationColumns+`, (xmax = 0) AS inserted`,
		pgTenant, params.ExternalID, string(params.Kind),
		dbpkg.ToText(params.DisplayName), dbpkg.ToText(params.AvatarURL))

	var (
		conv     Conversation
		inserted bool
	)
	conv, inserted, err = scanConversationWithInserted(row)
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, inserted, nil
}

// SetAIEnabled toggles automated replies for a conversation.
func (s *Store) SetAIEnabled(ctx context.Context, id string, enabled bool) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET ai_enabled = $2, updated_at = now() WHERE id = $1`, pgID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignPersona sets or clears the conversation-level persona.
func (s *Store) AssignPersona(ctx context.Context, id, personaID string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	pgPersona, err := dbpkg.ParseOptionalUUID(personaID)
	if err != nil {
		return fmt.Errorf("invalid persona id: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET persona_id = $2, updated_at = now() WHERE id = $1`, pgID, pgPersona)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the tenant's conversations ordered by recent activity.
func (s *Store) List(ctx context.Context, tenantID string) ([]Conversation, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC`, pgTenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

// MarkRead resets the unread counter for a tenant's conversation.
func (s *Store) MarkRead(ctx context.Context, tenantID, conversationID string) error {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET unread_count = 0, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`, pgID, pgTenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage persists one message. A conflicting external id yields
// ErrDuplicateMessage; there is no retry, persistence is at-most-once.
func (s *Store) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	pgConv, err := dbpkg.ParseUUID(params.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender, kind, body, external_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, external_id) WHERE external_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		pgConv, string(params.Sender), string(params.Kind), params.Body,
		dbpkg.ToText(params.ExternalID), dbpkg.ToTimestamptz(params.SentAt))

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrDuplicateMessage
	}
	return msg, err
}

// TouchActivity bumps conversation activity after a persisted message.
func (s *Store) TouchActivity(ctx context.Context, params TouchParams) error {
	pgID, err := dbpkg.ParseUUID(params.ConversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	increment := 0
	if params.IncrementUnread {
		increment = 1
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
			last_message_at = $2,
			last_external_id = COALESCE($3, last_external_id),
			unread_count = unread_count + $4,
			updated_at = now()
		WHERE id = $1`,
		pgID, dbpkg.ToTimestamptz(params.LastMessageAt), dbpkg.ToText(params.LastExternalID), increment)
	return err
}

// RecentMessages returns the latest messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, pgConv, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returns newest-first; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Messages returns up to limit messages for a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.RecentMessages(ctx, conversationID, limit)
}

// GetMessageByExternalID resolves a message by its transport id.
func (s *Store) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (Message, error) {
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND external_id = $2`, pgConv, externalID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		id, tenantID   pgtype.UUID
		externalID     string
		kind           string
		displayName    pgtype.Text
		avatarURL      pgtype.Text
		aiEnabled      bool
		personaID      pgtype.UUID
		unreadCount    int32
		lastMessageAt  pgtype.Timestamptz
		lastExternalID pgtype.Text
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &tenantID, &externalID, &kind, &displayName, &avatarURL,
		&aiEnabled, &personaID, &unreadCount, &lastMessageAt, &lastExternalID, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	conv := Conversation{
		ID:             id.String(),
		TenantID:       tenantID.String(),
		ExternalID:     externalID,
		Kind:           Kind(kind),
		DisplayName:    dbpkg.TextToString(displayName),
		AvatarURL:      dbpkg.TextToString(avatarURL),
		AIEnabled:      aiEnabled,
		UnreadCount:    int(unreadCount),
		LastExternalID: dbpkg.TextToString(lastExternalID),
		CreatedAt:      createdAt.Time,
		UpdatedAt:      updatedAt.Time,
	}
	if personaID.Valid {
		conv.PersonaID = personaID.String()
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = lastMessageAt.Time
	}
	return conv, nil
}

func scanConversationWithInserted(row rowScanner) (Conversation, bool, error) {
	var (
		id, tenantID   pgtype.UUID
		externalID     string
		kind           string
		displayName    pgtype.Text
		avatarURL      pgtype.Text
		aiEnabled      bool
		personaID      pgtype.UUID
		unreadCount    int32
		lastMessageAt  pgtype.Timestamptz
		lastExternalID pgtype.Text
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
		inserted       bool
	)
	err := row.Scan(&id, &tenantID, &externalID, &kind, &displayName, &avatarURL,
		&aiEnabled, &personaID, &unreadCount, &lastMessageAt, &lastExternalID, &createdAt, &updatedAt, &inserted)
	if err != nil {
		return Conversation{}, false, err
	}
	conv := Conversation{
		ID:             id.String(),
		TenantID:       tenantID.String(),
		ExternalID:     externalID,
		Kind:           Kind(kind),
		DisplayName:    dbpkg.TextToString(displayName),
		AvatarURL:      dbpkg.TextToString(avatarURL),
		AIEnabled:      aiEnabled,
		UnreadCount:    int(unreadCount),
		LastExternalID: dbpkg.TextToString(lastExternalID),
		CreatedAt:      createdAt.Time,
		UpdatedAt:      updatedAt.Time,
	}
	if personaID.Valid {
		conv.PersonaID = personaID.String()
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = lastMessageAt.Time
	}
	return conv, inserted, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		id, convID pgtype.UUID
		sender     string
		kind       string
		body       string
		externalID pgtype.Text
		sentAt     pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
	)
	err := row.Scan(&id, &convID, &sender, &kind, &body, &externalID, &sentAt, &createdAt)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id.String(),
		ConversationID: convID.String(),
		Sender:         Sender(sender),
		Kind:           MessageKind(kind),
		Body:           body,
		ExternalID:     dbpkg.TextToString(externalID),
		CreatedAt:      createdAt.Time,
	}
	if sentAt.Valid {
		msg.SentAt = sentAt.Time
	}
	return msg, nil
}
