package session

import (
	"testing"
	"time"
)

func TestPairingCacheExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := newPairingCache(3 * time.Minute)
	cache.now = func() time.Time { return now }

	expiresAt := cache.Put("tenant-a", "ABCD-1234")
	if !expiresAt.Equal(now.Add(3 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	code, _, ok := cache.Get("tenant-a")
	if !ok || code != "ABCD-1234" {
		t.Fatalf("expected live code, got %q ok=%v", code, ok)
	}

	now = now.Add(3*time.Minute + time.Second)
	if _, _, ok := cache.Get("tenant-a"); ok {
		t.Fatalf("expected code expired")
	}
}

func TestPairingCacheSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := newPairingCache(time.Minute)
	cache.now = func() time.Time { return now }

	cache.Put("stale", "OLD0-0000")
	now = now.Add(2 * time.Minute)
	cache.Put("fresh", "NEW0-0000")

	cache.Sweep()
	if _, _, ok := cache.Get("stale"); ok {
		t.Fatalf("stale entry survived sweep")
	}
	if _, _, ok := cache.Get("fresh"); !ok {
		t.Fatalf("fresh entry removed by sweep")
	}
}
