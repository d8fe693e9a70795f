// Package dedupe tracks recently seen transport message ids so replayed
// deliveries can be dropped before they hit the pipeline. The database
// unique index is the durable backstop; this cache is the cheap first check.
package dedupe

import (
	"sync"
	"time"
)

const pruneEvery = 256

// Cache is a TTL set keyed by (conversation, external message id).
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

// NewCache creates a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

// Seen reports whether the id was remembered within the TTL.
func (c *Cache) Seen(conversationID, externalID string) bool {
	if externalID == "" {
		return false
	}
	key := conversationID + "\x00" + externalID
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Remember records the id. Expired entries are pruned lazily every few writes.
func (c *Cache) Remember(conversationID, externalID string) {
	if externalID == "" {
		return
	}
	key := conversationID + "\x00" + externalID
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.now().Add(c.ttl)
	c.writes++
	if c.writes%pruneEvery == 0 {
		c.pruneLocked()
	}
}

func (c *Cache) pruneLocked() {
	now := c.now()
	for key, expires := range c.entries {
		if now.After(expires) {
			delete(c.entries, key)
		}
	}
}
