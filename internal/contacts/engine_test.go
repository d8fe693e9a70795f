package contacts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/events"
	"github.com/wirelead/wirelead/internal/session"
)

type fakeStore struct {
	upsertFunc func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error)
}

func (f *fakeStore) UpsertIdentity(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
	return f.upsertFunc(ctx, params)
}

type recordingHub struct {
	mu     sync.Mutex
	events []events.Event
}

func (h *recordingHub) Publish(evt events.Event) {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
}

func (h *recordingHub) kinds() []events.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]events.Kind, 0, len(h.events))
	for _, evt := range h.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func (h *recordingHub) count(kind events.Kind) int {
	n := 0
	for _, k := range h.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func entries(n int) []session.RosterEntry {
	out := make([]session.RosterEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, session.RosterEntry{
			JID:      fmt.Sprintf("1555000%04d@s.whatsapp.net", i),
			FullName: fmt.Sprintf("Contact %d", i),
		})
	}
	return out
}

func TestSyncBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	store := &fakeStore{upsertFunc: func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return conversation.Conversation{ID: "c", ExternalID: params.ExternalID}, false, nil
	}}

	engine := NewEngine(nil, store, &recordingHub{}, 3)
	engine.Sync(context.Background(), "tenant-a", nil, entries(12))

	if got := peak.Load(); got > 3 {
		t.Fatalf("expected at most 3 concurrent upserts, saw %d", got)
	}
}

func TestSyncReportsProgressAndBracketsBatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{upsertFunc: func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
		return conversation.Conversation{ID: "c", ExternalID: params.ExternalID}, false, nil
	}}
	hub := &recordingHub{}

	engine := NewEngine(nil, store, hub, 2)
	engine.Sync(context.Background(), "tenant-a", nil, entries(25))

	kinds := hub.kinds()
	if kinds[0] != events.KindOpenDialog {
		t.Fatalf("expected open-dialog first, got %s", kinds[0])
	}
	if kinds[len(kinds)-1] != events.KindCloseDialog {
		t.Fatalf("expected close-dialog last, got %s", kinds[len(kinds)-1])
	}
	// 25 entries: milestones at 10 and 20 plus the final report.
	if got := hub.count(events.KindContactProgress); got != 3 {
		t.Fatalf("expected 3 progress events, got %d", got)
	}
	if got := hub.count(events.KindChatsUpdated); got != 1 {
		t.Fatalf("expected 1 chats-updated event, got %d", got)
	}
}

func TestSyncMilestoneTotalReportsOnce(t *testing.T) {
	t.Parallel()

	store := &fakeStore{upsertFunc: func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
		return conversation.Conversation{ID: "c", ExternalID: params.ExternalID}, false, nil
	}}
	hub := &recordingHub{}

	engine := NewEngine(nil, store, hub, 2)
	engine.Sync(context.Background(), "tenant-a", nil, entries(20))

	// 20 entries: the milestone at 20 is the final count, not repeated.
	if got := hub.count(events.KindContactProgress); got != 2 {
		t.Fatalf("expected 2 progress events, got %d", got)
	}
}

func TestSyncPublishesNewContactsOnly(t *testing.T) {
	t.Parallel()

	store := &fakeStore{upsertFunc: func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
		created := params.ExternalID == "15550000001@s.whatsapp.net"
		return conversation.Conversation{ID: "c", ExternalID: params.ExternalID, Kind: params.Kind}, created, nil
	}}
	hub := &recordingHub{}

	engine := NewEngine(nil, store, hub, 2)
	engine.Sync(context.Background(), "tenant-a", nil, entries(5))

	if got := hub.count(events.KindNewContact); got != 1 {
		t.Fatalf("expected exactly 1 new-contact event, got %d", got)
	}
}

func TestSyncSkipsBroadcastAndMalformedEntries(t *testing.T) {
	t.Parallel()

	var upserts atomic.Int64
	store := &fakeStore{upsertFunc: func(ctx context.Context, params conversation.UpsertIdentityParams) (conversation.Conversation, bool, error) {
		upserts.Add(1)
		return conversation.Conversation{ID: "c"}, false, nil
	}}

	engine := NewEngine(nil, store, &recordingHub{}, 2)
	engine.Sync(context.Background(), "tenant-a", nil, []session.RosterEntry{
		{JID: "status@broadcast"},
		{JID: "no-at-sign"},
		{JID: ""},
		{JID: "15550001111@s.whatsapp.net", FullName: "Keep"},
	})

	if got := upserts.Load(); got != 1 {
		t.Fatalf("expected 1 upsert, got %d", got)
	}
}

func TestDisplayNameFallbacks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		entry session.RosterEntry
		want  string
	}{
		{session.RosterEntry{JID: "1@s.whatsapp.net", FullName: "Ada", PushName: "ada_push"}, "Ada"},
		{session.RosterEntry{JID: "1@s.whatsapp.net", PushName: "ada_push"}, "ada_push"},
		{session.RosterEntry{JID: "15550001111@s.whatsapp.net"}, "15550001111"},
	}
	for _, tc := range cases {
		if got := displayName(tc.entry); got != tc.want {
			t.Fatalf("displayName(%+v) = %q, want %q", tc.entry, got, tc.want)
		}
	}
}
