package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	subscriberBuffer = 64
	// chats-updated bursts during contact sync and history replay; one
	// delivery per window is enough for list refresh.
	defaultDebounceWindow = 2 * time.Second
)

// Hub fans events out to tenant-scoped subscribers. Slow subscribers are
// skipped rather than blocking publishers.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event

	debounceWindow time.Duration
	debounceMu     sync.Mutex
	lastDebounced  map[string]time.Time
	now            func() time.Time
}

// NewHub creates an event hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger:         log.With(slog.String("component", "events")),
		subs:           map[string]map[int]chan Event{},
		debounceWindow: defaultDebounceWindow,
		lastDebounced:  map[string]time.Time{},
		now:            time.Now,
	}
}

// Subscribe registers a subscriber for one tenant's events. The returned
// cancel function must be called to release the subscription.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = map[int]chan Event{}
	}
	h.subs[tenantID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if tenantSubs, ok := h.subs[tenantID]; ok {
			if sub, ok := tenantSubs[id]; ok {
				delete(tenantSubs, id)
				close(sub)
			}
			if len(tenantSubs) == 0 {
				delete(h.subs, tenantID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of its tenant.
// chats-updated is debounced per tenant; all other kinds are immediate.
func (h *Hub) Publish(evt Event) {
	if evt.Kind == KindChatsUpdated && !h.admitDebounced(evt.TenantID) {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[evt.TenantID] {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("subscriber lagging, event dropped",
				slog.String("tenant_id", evt.TenantID),
				slog.String("kind", string(evt.Kind)),
			)
		}
	}
}

// admitDebounced reports whether a chats-updated event may go out now.
// Leading edge: the first event in a window is delivered, the rest dropped.
func (h *Hub) admitDebounced(tenantID string) bool {
	h.debounceMu.Lock()
	defer h.debounceMu.Unlock()
	now := h.now()
	if last, ok := h.lastDebounced[tenantID]; ok && now.Sub(last) < h.debounceWindow {
		return false
	}
	h.lastDebounced[tenantID] = now
	return true
}
