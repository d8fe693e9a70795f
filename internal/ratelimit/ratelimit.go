// Package ratelimit bounds outbound message throughput per tenant.
// Sends over the limit are rejected immediately, never queued.
package ratelimit

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a tenant exceeds its send budget.
var ErrRateLimited = errors.New("send rate limit exceeded")

// Limiter keeps one token bucket per tenant.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// New creates a limiter allowing perMinute sends with the given burst.
func New(perMinute, burst int) *Limiter {
	return &Limiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

// Allow consumes one token for the tenant, or returns ErrRateLimited.
func (l *Limiter) Allow(tenantID string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[tenantID]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[tenantID] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Forget drops the tenant's bucket, typically after its session closes.
func (l *Limiter) Forget(tenantID string) {
	l.mu.Lock()
	delete(l.buckets, tenantID)
	l.mu.Unlock()
}
