// Package leads captures CRM leads from inbound conversations. Leads are
// grouped into per-tenant buckets; capture is idempotent per conversation.
package leads

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

const (
	// DefaultBucketName is the bucket new leads land in.
	DefaultBucketName = "New"
	// SnippetLimit caps the stored preview of the first message.
	SnippetLimit = 120
)

// Bucket is one column on the tenant's lead board.
type Bucket struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Lead is one captured contact, at most one per conversation.
type Lead struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	BucketID       string    `json:"bucket_id"`
	Name           string    `json:"name,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnsureLeadParams describes a lead candidate.
type EnsureLeadParams struct {
	TenantID       string
	ConversationID string
	BucketID       string
	Name           string
	Phone          string
	Snippet        string
}

// Store persists lead buckets and leads.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a lead store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("component", "leads")),
	}
}

// EnsureDefaultBucket returns the tenant's default bucket, creating it on
// first use.
func (s *Store) EnsureDefaultBucket(ctx context.Context, tenantID string) (Bucket, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Bucket{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO lead_buckets (tenant_id, name, position, is_default)
		VALUES ($1, $2, 0, TRUE)
		ON CONFLICT (tenant_id) WHERE is_default DO UPDATE SET name = lead_buckets.name
		RETURNING id, tenant_id, name, position, is_default, created_at`,
		pgTenant, DefaultBucketName)
	return scanBucket(row)
}

// EnsureLead inserts a lead unless the conversation already has one.
// The created flag reports whether a new lead was captured.
func (s *Store) EnsureLead(ctx context.Context, params EnsureLeadParams) (Lead, bool, error) {
	pgTenant, err := dbpkg.ParseUUID(params.TenantID)
	if err != nil {
		return Lead{}, false, fmt.Errorf("invalid tenant id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(params.ConversationID)
	if err != nil {
		return Lead{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	pgBucket, err := dbpkg.ParseUUID(params.BucketID)
	if err != nil {
		return Lead{}, false, fmt.Errorf("invalid bucket id: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO leads (tenant_id, conversation_id, bucket_id, name, phone, snippet)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, conversation_id) DO NOTHING
		RETURNING id, tenant_id, conversation_id, bucket_id, name, phone, snippet, created_at`,
		pgTenant, pgConv, pgBucket, params.Name, params.Phone, Snippet(params.Snippet))

	lead, err := scanLead(row)
	if err == nil {
		return lead, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, false, err
	}

	// Lead already captured for this conversation.
	row = s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, bucket_id, name, phone, snippet, created_at
		FROM leads WHERE tenant_id = $1 AND conversation_id = $2`, pgTenant, pgConv)
	lead, err = scanLead(row)
	if err != nil {
		return Lead{}, false, err
	}
	return lead, false, nil
}

// List returns all leads for a tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID string) ([]Lead, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, bucket_id, name, phone, snippet, created_at
		FROM leads WHERE tenant_id = $1 ORDER BY created_at DESC`, pgTenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Lead{}
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, lead)
	}
	return items, rows.Err()
}

// Snippet truncates a message body to the stored preview length.
func Snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= SnippetLimit {
		return body
	}
	return string(runes[:SnippetLimit])
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (Bucket, error) {
	var (
		id, tenantID pgtype.UUID
		name         string
		position     int32
		isDefault    bool
		createdAt    pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &name, &position, &isDefault, &createdAt); err != nil {
		return Bucket{}, err
	}
	return Bucket{
		ID:        id.String(),
		TenantID:  tenantID.String(),
		Name:      name,
		Position:  int(position),
		IsDefault: isDefault,
		CreatedAt: createdAt.Time,
	}, nil
}

func scanLead(row rowScanner) (Lead, error) {
	var (
		id, tenantID, convID, bucketID pgtype.UUID
		name, phone, snippet           string
		createdAt                      pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &convID, &bucketID, &name, &phone, &snippet, &createdAt); err != nil {
		return Lead{}, err
	}
	return Lead{
		ID:             id.String(),
		TenantID:       tenantID.String(),
		ConversationID: convID.String(),
		BucketID:       bucketID.String(),
		Name:           name,
		Phone:          phone,
		Snippet:        snippet,
		CreatedAt:      createdAt.Time,
	}, nil
}
