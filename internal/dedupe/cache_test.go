package dedupe

import (
	"testing"
	"time"
)

func TestSeenAfterRemember(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Minute)
	if cache.Seen("conv-1", "msg-1") {
		t.Fatalf("expected unseen id before remember")
	}
	cache.Remember("conv-1", "msg-1")
	if !cache.Seen("conv-1", "msg-1") {
		t.Fatalf("expected seen id after remember")
	}
	// Same external id in another conversation is distinct.
	if cache.Seen("conv-2", "msg-1") {
		t.Fatalf("expected id scoped per conversation")
	}
}

func TestEntriesExpire(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Minute)
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	cache.Remember("conv-1", "msg-1")
	current = current.Add(59 * time.Second)
	if !cache.Seen("conv-1", "msg-1") {
		t.Fatalf("expected entry still valid inside ttl")
	}
	current = current.Add(2 * time.Second)
	if cache.Seen("conv-1", "msg-1") {
		t.Fatalf("expected entry expired after ttl")
	}
}

func TestEmptyExternalIDNeverSeen(t *testing.T) {
	t.Parallel()

	cache := NewCache(time.Minute)
	cache.Remember("conv-1", "")
	if cache.Seen("conv-1", "") {
		t.Fatalf("expected empty external id to be ignored")
	}
}
