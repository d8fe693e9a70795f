// Package persona resolves which reply persona applies to a conversation.
// A conversation-level assignment wins over the tenant default.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/wirelead/wirelead/internal/db"
)

// ErrNoPersona is returned when neither the conversation nor the tenant
// has a persona configured. Callers skip reply generation.
var ErrNoPersona = errors.New("no persona configured")

// ErrNotFound is returned when a persona id does not resolve.
var ErrNotFound = errors.New("persona not found")

// Persona holds the reply instructions for automated responses.
type Persona struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	CreatedAt    time.Time `json:"created_at"`
}

// Settings are the tenant-wide reply switches.
type Settings struct {
	TenantID         string `json:"tenant_id"`
	AutoReplyEnabled bool   `json:"auto_reply_enabled"`
	DefaultPersonaID string `json:"default_persona_id,omitempty"`
}

// Store persists personas and tenant settings.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a persona store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("component", "persona")),
	}
}

// Get returns a persona by id.
func (s *Store) Get(ctx context.Context, id string) (Persona, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Persona{}, fmt.Errorf("invalid persona id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, instructions, created_at FROM personas WHERE id = $1`, pgID)
	p, err := scanPersona(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	return p, err
}

// Create inserts a persona for a tenant.
func (s *Store) Create(ctx context.Context, tenantID, name, instructions string) (Persona, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Persona{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO personas (tenant_id, name, instructions)
		VALUES ($1, $2, $3)
		RETURNING id, tenant_id, name, instructions, created_at`,
		pgTenant, name, instructions)
	return scanPersona(row)
}

// SettingsFor returns the tenant's reply settings. Missing rows fall back
// to auto-reply enabled with no default persona.
func (s *Store) SettingsFor(ctx context.Context, tenantID string) (Settings, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	var (
		autoReply bool
		personaID pgtype.UUID
	)
	err = s.pool.QueryRow(ctx,
		`SELECT auto_reply_enabled, default_persona_id FROM tenant_settings WHERE tenant_id = $1`,
		pgTenant).Scan(&autoReply, &personaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{TenantID: tenantID, AutoReplyEnabled: true}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	settings := Settings{TenantID: tenantID, AutoReplyEnabled: autoReply}
	if personaID.Valid {
		settings.DefaultPersonaID = personaID.String()
	}
	return settings, nil
}

// Resolve picks the persona for a conversation: the conversation-level
// assignment when present, otherwise the tenant default. ErrNoPersona
// means replies are skipped.
func (s *Store) Resolve(ctx context.Context, tenantID, conversationPersonaID string) (Persona, error) {
	if conversationPersonaID != "" {
		return s.Get(ctx, conversationPersonaID)
	}
	settings, err := s.SettingsFor(ctx, tenantID)
	if err != nil {
		return Persona{}, err
	}
	if settings.DefaultPersonaID == "" {
		return Persona{}, ErrNoPersona
	}
	return s.Get(ctx, settings.DefaultPersonaID)
}

func scanPersona(row interface{ Scan(dest ...any) error }) (Persona, error) {
	var (
		id, tenantID pgtype.UUID
		name         string
		instructions string
		createdAt    pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &name, &instructions, &createdAt); err != nil {
		return Persona{}, err
	}
	return Persona{
		ID:           id.String(),
		TenantID:     tenantID.String(),
		Name:         name,
		Instructions: instructions,
		CreatedAt:    createdAt.Time,
	}, nil
}
