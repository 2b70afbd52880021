// Package breaker implements a circuit breaker for protecting downstream calls and routes.
//
// A breaker starts Closed. Failures inside Window are counted and a success resets the
// count; reaching FailureThreshold opens it. While Open every call is rejected with ErrOpen
// until Cooldown elapses, then the breaker turns HalfOpen and admits a single trial at a
// time. HalfOpenSuccesses consecutive trial successes close it again; a trial failure
// reopens it.
package breaker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DefaultFailureCodes are the response statuses counted as failures by the route middleware.
var DefaultFailureCodes = []int{500, 502, 503, 504}

// Config configures a Breaker. Zero fields take the defaults noted.
type Config struct {
	Name              string
	FailureThreshold  int           // Failures that open the breaker (default 5)
	Window            time.Duration // Window in which failures are counted (default 1m)
	Cooldown          time.Duration // Time spent open before trialing (default 30s)
	HalfOpenSuccesses int           // Trial successes needed to close (default 1)
	FailureCodes      []int         // Statuses treated as failures (default DefaultFailureCodes)
	Clock             clock.Clock
	OnStateChange     func(name string, from, to State)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	generation   uint64
	failures     int
	windowStart  time.Time
	openedAt     time.Time
	trialing     bool
	trialStarted time.Time
	successes    int
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if len(cfg.FailureCodes) == 0 {
		cfg.FailureCodes = DefaultFailureCodes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Breaker{cfg: cfg}
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, moving Open to HalfOpen when the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(b.cfg.Clock.Now())
	return b.state
}

// IsFailureStatus reports whether status counts as a failure.
func (b *Breaker) IsFailureStatus(status int) bool {
	return slices.Contains(b.cfg.FailureCodes, status)
}

// RetryAfter returns how long until an open breaker starts trialing.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(b.openedAt.Add(b.cfg.Cooldown).Sub(b.cfg.Clock.Now()), 0)
}

// Allow reserves a call. On success the caller must report the outcome through done
// exactly once.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	b.refreshLocked(now)

	switch b.state {
	case Open:
		return nil, ErrOpen
	case HalfOpen:
		// A trial that never reported back stops blocking after another cooldown.
		if b.trialing && now.Sub(b.trialStarted) < b.cfg.Cooldown {
			return nil, ErrOpen
		}
		b.trialing = true
		b.trialStarted = now
	}

	gen := b.generation
	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(gen, success) })
	}, nil
}

// Execute runs fn if the breaker admits the call and records its outcome. Any non-nil
// error from fn counts as a failure, except context cancellation by the caller.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		done(true)
		return err
	}
	done(err == nil)
	return err
}

func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	now := b.cfg.Clock.Now()

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setStateLocked(Open, now)
		}
	case HalfOpen:
		b.trialing = false
		if !success {
			b.setStateLocked(Open, now)
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.setStateLocked(Closed, now)
		}
	}
}

func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == Open && !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.setStateLocked(HalfOpen, now)
	}
}

func (b *Breaker) setStateLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.successes = 0
	b.trialing = false
	if to == Open {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		// Called with the lock held; callbacks must not call back into the breaker.
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// Group lazily creates one breaker per key from a shared configuration.
type Group struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		cfg := g.cfg
		if cfg.Name == "" {
			cfg.Name = key
		} else {
			cfg.Name += ":" + key
		}
		b = New(cfg)
		g.breakers[key] = b
	}
	return b
}
