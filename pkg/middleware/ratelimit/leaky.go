package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/ratelimit"
)

type paceEntry struct {
	mu      sync.Mutex
	limiter ratelimit.Limiter
	next    time.Time // earliest start of the next admitted request
}

// Leaky paces requests per key to Rate per Per using Uber's leaky bucket. A request that
// would have to wait longer than MaxWait is rejected instead of delayed.
type Leaky struct {
	rate     int
	interval time.Duration
	maxWait  time.Duration
	clock    clock.Clock
	entries  *keyed[paceEntry]
}

// NewLeaky creates a pacing limiter admitting rate requests per period.
func NewLeaky(rate int, per, maxWait time.Duration, opts ...Option) *Leaky {
	o := buildOptions(opts)
	rate = max(rate, 1)
	if per <= 0 {
		per = time.Second
	}
	l := &Leaky{
		rate:     rate,
		interval: per / time.Duration(rate),
		maxWait:  maxWait,
		clock:    o.clock,
	}
	l.entries = newKeyed(func() *paceEntry {
		return &paceEntry{limiter: ratelimit.New(rate,
			ratelimit.Per(per),
			ratelimit.WithClock(l.clock),
			ratelimit.WithoutSlack,
		)}
	})
	return l
}

// Allow implements Limiter. An admitted request returns after its pacing delay.
func (l *Leaky) Allow(ctx context.Context, key string) Decision {
	e := l.entries.get(key)
	now := l.clock.Now()

	e.mu.Lock()
	slot := now
	if e.next.After(now) {
		slot = e.next
	}
	wait := slot.Sub(now)
	if wait > l.maxWait {
		e.mu.Unlock()
		return Decision{Limit: l.rate, RetryAfter: wait - l.maxWait, Reset: wait}
	}
	e.next = slot.Add(l.interval)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Decision{Limit: l.rate, RetryAfter: wait}
	}
	e.limiter.Take()
	return Decision{Allowed: true, Limit: l.rate, Remaining: 0, Reset: l.interval}
}
