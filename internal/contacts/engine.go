// Package contacts reconciles transport address books into conversations.
package contacts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/events"
	"github.com/wirelead/wirelead/internal/session"
)

const (
	defaultWorkers = 8
	progressEvery  = 10
	avatarTimeout  = 5 * time.Second
)

// IdentityStore persists contact identity onto conversations.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error)
}

// Engine runs bounded-concurrency contact syncs. Entries are processed
// by a worker pool so one slow avatar fetch cannot stall the batch.
type Engine struct {
	store   IdentityStore
	hub     events.Publisher
	logger  *slog.Logger
	workers int64
}

// NewEngine creates a contact sync engine.
func NewEngine(log *slog.Logger, store IdentityStore, hub events.Publisher, workers int) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Engine{
		store:   store,
		hub:     hub,
		logger:  log.With(slog.String("component", "contacts")),
		workers: int64(workers),
	}
}

// Sync reconciles a roster snapshot. It brackets the batch with
// open-dialog/close-dialog events and reports progress along the way.
func (e *Engine) Sync(ctx context.Context, tenantID string, conn session.Conn, entries []session.RosterEntry) {
	usable := make([]session.RosterEntry, 0, len(entries))
	for _, entry := range entries {
		if skipEntry(entry.JID) {
			continue
		}
		usable = append(usable, entry)
	}
	if len(usable) == 0 {
		return
	}

	e.publish(tenantID, events.KindOpenDialog, nil)
	e.logger.Info("contact sync started",
		slog.String("tenant_id", tenantID), slog.Int("total", len(usable)))

	sem := semaphore.NewWeighted(e.workers)
	var wg sync.WaitGroup
	var done atomic.Int64

	for _, entry := range usable {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(entry session.RosterEntry) {
			defer wg.Done()
			defer sem.Release(1)

			e.syncOne(ctx, tenantID, conn, entry)

			n := done.Add(1)
			if n%progressEvery == 0 {
				e.publish(tenantID, events.KindContactProgress,
					events.JSON(events.ContactProgressPayload{Done: int(n), Total: len(usable)}))
			}
		}(entry)
	}
	wg.Wait()

	// A final count on a milestone boundary was already reported.
	if final := int(done.Load()); final%progressEvery != 0 {
		e.publish(tenantID, events.KindContactProgress,
			events.JSON(events.ContactProgressPayload{Done: final, Total: len(usable)}))
	}
	e.publish(tenantID, events.KindChatsUpdated, nil)
	e.publish(tenantID, events.KindCloseDialog, nil)
	e.logger.Info("contact sync finished",
		slog.String("tenant_id", tenantID), slog.Int64("done", done.Load()))
}

func (e *Engine) syncOne(ctx context.Context, tenantID string, conn session.Conn, entry session.RosterEntry) {
	avatarURL := ""
	if conn != nil {
		avatarCtx, cancel := context.WithTimeout(ctx, avatarTimeout)
		url, err := conn.AvatarURL(avatarCtx, entry.JID)
		cancel()
		if err != nil {
			e.logger.Debug("avatar lookup failed",
				slog.String("jid", entry.JID), slog.Any("error", err))
		} else {
			avatarURL = url
		}
	}

	conv, created, err := e.store.UpsertIdentity(ctx, conversation.UpsertIdentityParams{
		TenantID:    tenantID,
		ExternalID:  entry.JID,
		Kind:        conversation.KindForExternalID(entry.JID),
		DisplayName: displayName(entry),
		AvatarURL:   avatarURL,
	})
	if err != nil {
		e.logger.Error("contact upsert failed",
			slog.String("tenant_id", tenantID),
			slog.String("jid", entry.JID),
			slog.Any("error", err))
		return
	}
	if created {
		e.publish(tenantID, events.KindNewContact, events.JSON(events.ContactPayload{
			ConversationID: conv.ID,
			ExternalID:     conv.ExternalID,
			DisplayName:    conv.DisplayName,
			AvatarURL:      conv.AvatarURL,
			Kind:           string(conv.Kind),
		}))
	}
}

func (e *Engine) publish(tenantID string, kind events.Kind, data []byte) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(events.Event{Kind: kind, TenantID: tenantID, Data: data})
}

// skipEntry filters broadcast lists and malformed ids out of a sync batch.
func skipEntry(jid string) bool {
	if jid == "" || !strings.Contains(jid, "@") {
		return true
	}
	return strings.HasSuffix(jid, "@broadcast")
}

// displayName picks the best available name: address book name first,
// then the self-assigned push name, then the bare number.
func displayName(entry session.RosterEntry) string {
	if name := strings.TrimSpace(entry.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(entry.PushName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(entry.JID, "@")
	return local
}
