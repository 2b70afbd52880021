package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// noRefillRetryAfter is reported as Retry-After by buckets that never refill.
const noRefillRetryAfter = 60 * time.Second

type bucketEntry struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	fresh      bool
}

// TokenBucket admits bursts of up to Capacity requests and refills continuously at
// RefillRate tokens per second.
type TokenBucket struct {
	capacity   float64
	refillRate float64
	clock      clock.Clock
	entries    *keyed[bucketEntry]
}

// NewTokenBucket creates a token bucket limiter. A refill rate of 0 makes the capacity a
// lifetime budget per key.
func NewTokenBucket(capacity int, refillRate float64, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: math.Max(refillRate, 0),
		clock:      o.clock,
		entries:    newKeyed(func() *bucketEntry { return &bucketEntry{fresh: true} }),
	}
}

// Allow implements Limiter.
func (b *TokenBucket) Allow(_ context.Context, key string) Decision {
	now := b.clock.Now()
	e := b.entries.get(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fresh {
		e.tokens = b.capacity
		e.fresh = false
	} else if elapsed := now.Sub(e.lastUpdate).Seconds(); elapsed > 0 {
		e.tokens = math.Min(b.capacity, e.tokens+elapsed*b.refillRate)
	}
	e.lastUpdate = now

	d := Decision{Limit: int(b.capacity)}
	if e.tokens >= 1 {
		e.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = b.timeFor(1 - e.tokens)
	}
	d.Remaining = int(e.tokens)
	d.Reset = b.timeFor(b.capacity - e.tokens)
	return d
}

func (b *TokenBucket) timeFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	if b.refillRate == 0 {
		return noRefillRetryAfter
	}
	return time.Duration(tokens / b.refillRate * float64(time.Second))
}

// Prune drops keys that have been idle longer than idle and returns how many were removed.
func (b *TokenBucket) Prune(idle time.Duration) int {
	cutoff := b.clock.Now().Add(-idle)
	return b.entries.prune(func(e *bucketEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.lastUpdate.Before(cutoff)
	})
}
