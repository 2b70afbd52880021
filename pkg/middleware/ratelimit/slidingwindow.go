package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type windowEntry struct {
	mu  sync.Mutex
	log []time.Time // admitted request times, oldest first
}

// SlidingWindow admits at most Limit requests in any trailing Window, tracking the exact
// admission time of every request.
type SlidingWindow struct {
	limit   int
	window  time.Duration
	clock   clock.Clock
	entries *keyed[windowEntry]
}

// NewSlidingWindow creates a sliding window log limiter.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		clock:   o.clock,
		entries: newKeyed(func() *windowEntry { return &windowEntry{} }),
	}
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, key string) Decision {
	return s.allowN(key, s.limit)
}

// allowN admits the request if fewer than limit requests were admitted in the window.
func (s *SlidingWindow) allowN(key string, limit int) Decision {
	now := s.clock.Now()
	e := s.entries.get(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-s.window)
	drop := 0
	for drop < len(e.log) && !e.log[drop].After(cutoff) {
		drop++
	}
	e.log = e.log[drop:]

	d := Decision{Limit: limit}
	if len(e.log) < limit {
		e.log = append(e.log, now)
		d.Allowed = true
	} else if limit <= 0 {
		d.RetryAfter = s.window
	} else {
		// The request is admitted once enough of the oldest entries leave the window.
		d.RetryAfter = e.log[len(e.log)-limit].Add(s.window).Sub(now)
	}
	d.Remaining = max(limit-len(e.log), 0)
	if len(e.log) > 0 {
		d.Reset = e.log[len(e.log)-1].Add(s.window).Sub(now)
	}
	return d
}

// Prune drops keys with no admissions inside the window.
func (s *SlidingWindow) Prune() int {
	cutoff := s.clock.Now().Add(-s.window)
	return s.entries.prune(func(e *windowEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.log) == 0 || !e.log[len(e.log)-1].After(cutoff)
	})
}
