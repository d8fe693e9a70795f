package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wirelead/wirelead/internal/events"
)

const (
	eventBuffer       = 256
	keepaliveInterval = 25 * time.Second
	syncWarmup        = 3 * time.Second
	restoreStagger    = 2 * time.Second
)

// Manager coordinates tenant sessions: start/stop, reconnect policy,
// pairing codes, liveness pings, and dispatch into the ingestion pipeline.
// One goroutine per tenant consumes that tenant's ordered transport events,
// so ingestion is sequential per tenant and independent across tenants.
type Manager struct {
	transport Transport
	hub       events.Publisher
	logger    *slog.Logger

	ingestor Ingestor
	syncer   ContactSyncer

	mu       sync.Mutex
	sessions map[string]*session
	starting map[string]*startAttempt

	pairing *pairingCache

	keepaliveInterval time.Duration
	syncWarmup        time.Duration
	restoreStagger    time.Duration
	policy            func(CloseReason) closePolicy
}

type startAttempt struct {
	done chan struct{}
	err  error
}

type session struct {
	tenantID string
	events   chan TransportEvent
	cancel   context.CancelFunc

	mu         sync.Mutex
	conn       Conn
	state      State
	rosterSeen bool

	reconnecting atomic.Bool
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// NewManager creates a session manager.
func NewManager(log *slog.Logger, transport Transport, hub events.Publisher) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		transport:         transport,
		hub:               hub,
		logger:            log.With(slog.String("component", "session")),
		sessions:          map[string]*session{},
		starting:          map[string]*startAttempt{},
		pairing:           newPairingCache(pairingTTL),
		keepaliveInterval: keepaliveInterval,
		syncWarmup:        syncWarmup,
		restoreStagger:    restoreStagger,
		policy:            policyFor,
	}
}

// SetIngestor wires the inbound message pipeline.
func (m *Manager) SetIngestor(ingestor Ingestor) {
	m.ingestor = ingestor
}

// SetContactSyncer wires the contact sync engine.
func (m *Manager) SetContactSyncer(syncer ContactSyncer) {
	m.syncer = syncer
}

// Start opens the tenant's session. It is idempotent: a running session
// returns immediately, and concurrent callers share a single dial.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[tenantID]; ok {
		m.mu.Unlock()
		return nil
	}
	if attempt, ok := m.starting[tenantID]; ok {
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &startAttempt{done: make(chan struct{})}
	m.starting[tenantID] = attempt
	m.mu.Unlock()

	attempt.err = m.connect(ctx, tenantID)
	close(attempt.done)

	m.mu.Lock()
	delete(m.starting, tenantID)
	m.mu.Unlock()
	return attempt.err
}

func (m *Manager) connect(ctx context.Context, tenantID string) error {
	eventCh := make(chan TransportEvent, eventBuffer)
	// The session outlives the Start request.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	conn, err := m.transport.Dial(loopCtx, tenantID, eventCh)
	if err != nil {
		cancel()
		m.logger.Error("dial failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return err
	}

	sess := &session{
		tenantID: tenantID,
		events:   eventCh,
		cancel:   cancel,
		conn:     conn,
		state:    StateUninitialized,
	}
	m.mu.Lock()
	m.sessions[tenantID] = sess
	m.mu.Unlock()

	m.logger.Info("session started", slog.String("tenant_id", tenantID))
	go m.runLoop(loopCtx, sess)
	return nil
}

// runLoop is the per-tenant event loop. It owns all state transitions
// for the session and dispatches messages into the pipeline in order.
func (m *Manager) runLoop(ctx context.Context, sess *session) {
	keepalive := time.NewTicker(m.keepaliveInterval)
	defer keepalive.Stop()

	var warmup <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			if sess.currentState() != StateOpen {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := sess.currentConn().Presence(pingCtx); err != nil {
				m.logger.Warn("presence ping failed",
					slog.String("tenant_id", sess.tenantID), slog.Any("error", err))
			}
			cancel()

		case <-warmup:
			warmup = nil
			m.pullRosterIfQuiet(ctx, sess)

		case evt := <-sess.events:
			switch e := evt.(type) {
			case PairingEvent:
				expiresAt := m.pairing.Put(sess.tenantID, e.Code)
				sess.setState(StatePairing)
				m.publish(sess.tenantID, events.KindPairingCode,
					events.JSON(events.PairingCodePayload{Code: e.Code, ExpiresAt: expiresAt}))

			case ReadyEvent:
				sess.setState(StateOpen)
				m.pairing.Delete(sess.tenantID)
				m.publish(sess.tenantID, events.KindSessionReady, nil)
				m.logger.Info("session open",
					slog.String("tenant_id", sess.tenantID), slog.String("self_jid", e.SelfJID))
				// Give the transport a moment to push the roster before
				// falling back to a pull.
				warmup = time.After(m.syncWarmup)

			case RosterEvent:
				sess.mu.Lock()
				sess.rosterSeen = true
				sess.mu.Unlock()
				m.startSync(ctx, sess, e.Entries)

			case MessageEvent:
				if m.ingestor == nil {
					continue
				}
				if err := m.ingestor.Ingest(ctx, sess.tenantID, e.Message); err != nil {
					m.logger.Error("ingest failed",
						slog.String("tenant_id", sess.tenantID),
						slog.String("external_id", e.Message.ExternalID),
						slog.Any("error", err))
				}

			case ClosedEvent:
				if done := m.handleClose(ctx, sess, e); done {
					return
				}
			}
		}
	}
}

// handleClose applies the close policy. It returns true when the session
// loop must exit.
func (m *Manager) handleClose(ctx context.Context, sess *session, evt ClosedEvent) bool {
	policy := m.policy(evt.Reason)
	m.logger.Warn("session closed",
		slog.String("tenant_id", sess.tenantID),
		slog.String("reason", string(evt.Reason)),
		slog.String("detail", evt.Detail),
		slog.Bool("terminal", policy.Terminal))

	if policy.Terminal {
		sess.setState(StateTerminated)
		m.pairing.Delete(sess.tenantID)
		m.removeSession(sess.tenantID)
		eraseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := m.transport.EraseCredentials(eraseCtx, sess.tenantID); err != nil {
			m.logger.Error("erase credentials failed",
				slog.String("tenant_id", sess.tenantID), slog.Any("error", err))
		}
		m.publish(sess.tenantID, events.KindDisconnected,
			events.JSON(events.SessionPayload{Reason: string(evt.Reason)}))
		m.publish(sess.tenantID, events.KindChatsUpdated, nil)
		// Credentials are gone; subscribers must drop their cached chats.
		m.publish(sess.tenantID, events.KindClearChats, nil)
		m.publish(sess.tenantID, events.KindSessionClosed,
			events.JSON(events.SessionPayload{Reason: string(evt.Reason)}))
		sess.cancel()
		return true
	}

	sess.setState(StateReconnectBackoff)
	m.publish(sess.tenantID, events.KindDisconnected,
		events.JSON(events.SessionPayload{Reason: string(evt.Reason)}))
	m.publish(sess.tenantID, events.KindChatsUpdated, nil)

	// Single-flight: overlapping close events trigger one reconnect.
	if !sess.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer sess.reconnecting.Store(false)
		select {
		case <-time.After(policy.Delay):
		case <-ctx.Done():
			return
		}
		old := sess.currentConn()
		if old != nil {
			old.Disconnect()
		}
		conn, err := m.transport.Dial(ctx, sess.tenantID, sess.events)
		if err != nil {
			m.logger.Error("reconnect failed",
				slog.String("tenant_id", sess.tenantID), slog.Any("error", err))
			m.removeSession(sess.tenantID)
			m.publish(sess.tenantID, events.KindSessionClosed,
				events.JSON(events.SessionPayload{Reason: "reconnect_failed"}))
			sess.cancel()
			return
		}
		sess.setConn(conn)
	}()
	return false
}

// pullRosterIfQuiet falls back to pulling the address book when the
// transport pushed nothing during the warmup window.
func (m *Manager) pullRosterIfQuiet(ctx context.Context, sess *session) {
	sess.mu.Lock()
	seen := sess.rosterSeen
	sess.mu.Unlock()
	if seen || sess.currentState() != StateOpen {
		return
	}
	pullCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	entries, err := sess.currentConn().Contacts(pullCtx)
	if err != nil {
		m.logger.Warn("contact pull failed",
			slog.String("tenant_id", sess.tenantID), slog.Any("error", err))
		return
	}
	m.startSync(ctx, sess, entries)
}

func (m *Manager) startSync(ctx context.Context, sess *session, entries []RosterEntry) {
	if m.syncer == nil || len(entries) == 0 {
		return
	}
	conn := sess.currentConn()
	// Contact sync must not block message ingestion.
	go m.syncer.Sync(ctx, sess.tenantID, conn, entries)
}

// Stop closes the tenant's session and erases its stored credentials.
// Stopping an absent session is a no-op.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	sess := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	m.mu.Unlock()

	m.pairing.Delete(tenantID)
	if sess != nil {
		sess.setState(StateClosing)
		sess.cancel()
		if conn := sess.currentConn(); conn != nil {
			conn.Disconnect()
		}
	}
	if err := m.transport.EraseCredentials(ctx, tenantID); err != nil {
		m.logger.Error("erase credentials failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
	m.publish(tenantID, events.KindClearChats, nil)
	m.publish(tenantID, events.KindSessionClosed,
		events.JSON(events.SessionPayload{Reason: "stopped"}))
	m.logger.Info("session stopped", slog.String("tenant_id", tenantID))
	return nil
}

// RestoreAll starts sessions for every tenant with stored credentials,
// staggered to avoid a reconnect stampede after a restart.
func (m *Manager) RestoreAll(ctx context.Context) error {
	tenants, err := m.transport.CredentialedTenants(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("restoring sessions", slog.Int("count", len(tenants)))
	for i, tenantID := range tenants {
		if i > 0 {
			select {
			case <-time.After(m.restoreStagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.Start(ctx, tenantID); err != nil {
			m.logger.Error("restore failed",
				slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
	}
	return nil
}

// Shutdown disconnects all sessions without erasing credentials.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = map[string]*session{}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		if conn := sess.currentConn(); conn != nil {
			conn.Disconnect()
		}
	}
	return nil
}

// PairingCode returns the cached pairing code for a tenant, if still valid.
func (m *Manager) PairingCode(tenantID string) (string, time.Time, bool) {
	return m.pairing.Get(tenantID)
}

// SweepPairingCodes drops expired pairing codes.
func (m *Manager) SweepPairingCodes() {
	m.pairing.Sweep()
}

// IsConnected reports whether the tenant has an open, authenticated,
// transport-ready session.
func (m *Manager) IsConnected(tenantID string) bool {
	m.mu.Lock()
	sess := m.sessions[tenantID]
	m.mu.Unlock()
	if sess == nil || sess.currentState() != StateOpen {
		return false
	}
	conn := sess.currentConn()
	return conn != nil && conn.Authenticated() && conn.Connected()
}

// Status returns the tenant's session snapshot.
func (m *Manager) Status(tenantID string) Status {
	m.mu.Lock()
	sess := m.sessions[tenantID]
	m.mu.Unlock()
	if sess == nil {
		return Status{TenantID: tenantID, State: StateUninitialized}
	}
	return Status{
		TenantID:  tenantID,
		State:     sess.currentState(),
		Connected: m.IsConnected(tenantID),
	}
}

// Snapshot returns the status of every tracked session.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	tenants := make([]string, 0, len(m.sessions))
	for tenantID := range m.sessions {
		tenants = append(tenants, tenantID)
	}
	m.mu.Unlock()
	sort.Strings(tenants)

	statuses := make([]Status, 0, len(tenants))
	for _, tenantID := range tenants {
		statuses = append(statuses, m.Status(tenantID))
	}
	return statuses
}

// Conn returns the tenant's live connection for outbound operations.
func (m *Manager) Conn(tenantID string) (Conn, error) {
	if !m.IsConnected(tenantID) {
		return nil, ErrNotConnected
	}
	m.mu.Lock()
	sess := m.sessions[tenantID]
	m.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.currentConn(), nil
}

// ResyncContacts pulls the tenant's address book and reconciles it.
func (m *Manager) ResyncContacts(ctx context.Context, tenantID string) error {
	conn, err := m.Conn(tenantID)
	if err != nil {
		return err
	}
	entries, err := conn.Contacts(ctx)
	if err != nil {
		return err
	}
	if m.syncer != nil && len(entries) > 0 {
		go m.syncer.Sync(context.WithoutCancel(ctx), tenantID, conn, entries)
	}
	return nil
}

// ResyncAllContacts re-syncs every connected tenant. Used by the scheduler.
func (m *Manager) ResyncAllContacts(ctx context.Context) {
	for _, status := range m.Snapshot() {
		if !status.Connected {
			continue
		}
		if err := m.ResyncContacts(ctx, status.TenantID); err != nil {
			m.logger.Warn("periodic contact resync failed",
				slog.String("tenant_id", status.TenantID), slog.Any("error", err))
		}
	}
}

func (m *Manager) removeSession(tenantID string) {
	m.mu.Lock()
	delete(m.sessions, tenantID)
	m.mu.Unlock()
}

func (m *Manager) publish(tenantID string, kind events.Kind, data []byte) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{Kind: kind, TenantID: tenantID, Data: data})
}
