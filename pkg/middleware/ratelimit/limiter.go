// Package ratelimit provides rate limiting middleware for SEngine routes: a token bucket,
// an exact sliding window log, an adaptive limiter that shrinks its budget under load and a
// leaky-bucket pacer that delays requests instead of rejecting them.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/benbjohnson/clock"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int           // Budget of the policy (requests per window or bucket capacity)
	Remaining  int           // Requests left before the next rejection
	Reset      time.Duration // Time until the budget is fully restored
	RetryAfter time.Duration // Time until the next request would be admitted (rejections only)
}

// Limiter decides whether a request identified by key may proceed.
// Implementations keep state per key and lock per key.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// LatencyObserver is implemented by limiters that adapt to handler latency.
type LatencyObserver interface {
	Observe(d time.Duration)
}

// ExceededError is returned by the rate limit pre-hook when a key is over budget.
// It unwraps to a *common.HTTPError carrying the 429 status and rate limit headers.
type ExceededError struct {
	Bucket   string
	Key      string
	Decision Decision
}

func (e *ExceededError) Error() string {
	return "rate limit exceeded for " + e.Bucket + ":" + e.Key
}

// Unwrap returns the HTTP error the dispatcher renders.
func (e *ExceededError) Unwrap() error {
	herr := common.NewHTTPError(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
	setHeaders(herr.WithHeader("Retry-After", strconv.Itoa(retryAfterSeconds(e.Decision.RetryAfter))).Header, e.Decision)
	return herr
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func setHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.Reset.Round(time.Second)/time.Second)))
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used by a limiter. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// keyed maps limiter keys to per-key state. The map lock is only held to find or
// create an entry; the entry carries its own lock.
type keyed[E any] struct {
	mu      sync.RWMutex
	entries map[string]*E
	create  func() *E
}

func newKeyed[E any](create func() *E) *keyed[E] {
	return &keyed[E]{entries: make(map[string]*E), create: create}
}

func (k *keyed[E]) get(key string) *E {
	k.mu.RLock()
	e, ok := k.entries[key]
	k.mu.RUnlock()
	if ok {
		return e
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok = k.entries[key]; !ok {
		e = k.create()
		k.entries[key] = e
	}
	return e
}

// prune removes the entries for which stale returns true.
func (k *keyed[E]) prune(stale func(*E) bool) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.entries {
		if stale(e) {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

func (k *keyed[E]) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Registry shares limiters between routes that use the same bucket name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]Limiter)}
}

// GetOrCreate returns the limiter registered under name, creating it with build on first use.
func (r *Registry) GetOrCreate(name string, build func() Limiter) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l := build()
	r.limiters[name] = l
	return l
}
