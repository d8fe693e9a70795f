package session

import (
	"sync"
	"time"
)

// pairingTTL matches the linking window shown to the user.
const pairingTTL = 3 * time.Minute

type pairingEntry struct {
	code      string
	expiresAt time.Time
}

// pairingCache holds the latest pairing code per tenant until it expires
// or the session opens.
type pairingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]pairingEntry
	now     func() time.Time
}

func newPairingCache(ttl time.Duration) *pairingCache {
	return &pairingCache{
		ttl:     ttl,
		entries: map[string]pairingEntry{},
		now:     time.Now,
	}
}

func (c *pairingCache) Put(tenantID, code string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt := c.now().Add(c.ttl)
	c.entries[tenantID] = pairingEntry{code: code, expiresAt: expiresAt}
	return expiresAt
}

func (c *pairingCache) Get(tenantID string) (string, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[tenantID]
	if !ok {
		return "", time.Time{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, tenantID)
		return "", time.Time{}, false
	}
	return entry.code, entry.expiresAt, true
}

func (c *pairingCache) Delete(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Sweep removes expired codes. Called periodically from the scheduler.
func (c *pairingCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for tenantID, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, tenantID)
		}
	}
}
