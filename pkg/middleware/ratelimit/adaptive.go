package ratelimit

import (
	"context"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"
)

// Load is a snapshot of the signals the adaptive limiter reacts to. CPU and Memory are
// utilisation fractions in [0, 1].
type Load struct {
	CPU     float64
	Memory  float64
	Latency time.Duration
}

// LoadSource reports the current load.
type LoadSource interface {
	Load() Load
}

// Thresholds are the points above which each signal starts shrinking the budget.
// A zero value disables the signal.
type Thresholds struct {
	CPU     float64       // e.g. 0.8
	Memory  float64       // e.g. 0.9
	Latency time.Duration // e.g. 250ms
}

// AdaptiveConfig configures NewAdaptive.
type AdaptiveConfig struct {
	Base       int           // Requests per window when the process is idle
	Floor      int           // Minimum requests per window under full overload (at least 1)
	Window     time.Duration // Sliding window length
	Thresholds Thresholds
	Source     LoadSource // Defaults to the Go runtime's CPU and heap metrics plus observed latency
	Options    []Option
}

// Adaptive is a sliding window limiter whose budget drops linearly from Base toward Floor
// as the most overloaded signal moves from its threshold to saturation.
type Adaptive struct {
	cfg    AdaptiveConfig
	window *SlidingWindow

	mu      sync.Mutex
	latency time.Duration // exponentially weighted handler latency
}

// NewAdaptive creates an adaptive limiter.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	cfg.Floor = max(cfg.Floor, 1)
	cfg.Base = max(cfg.Base, cfg.Floor)
	a := &Adaptive{cfg: cfg, window: NewSlidingWindow(cfg.Base, cfg.Window, cfg.Options...)}
	if a.cfg.Source == nil {
		a.cfg.Source = &RuntimeLoad{latency: a.observedLatency}
	}
	return a
}

// Allow implements Limiter.
func (a *Adaptive) Allow(_ context.Context, key string) Decision {
	return a.window.allowN(key, a.Limit())
}

// Limit returns the current effective budget.
func (a *Adaptive) Limit() int {
	return EffectiveLimit(a.cfg.Base, a.cfg.Floor, Overload(a.cfg.Source.Load(), a.cfg.Thresholds))
}

// Observe feeds a handler latency sample into the default load source.
func (a *Adaptive) Observe(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latency == 0 {
		a.latency = d
		return
	}
	a.latency = (a.latency*4 + d) / 5
}

func (a *Adaptive) observedLatency() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latency
}

// Overload returns how far past its threshold the worst signal is, in [0, 1].
// Utilisation signals scale over the remaining headroom (v-t)/(1-t); latency scales
// relative to its threshold (l-t)/t.
func Overload(l Load, t Thresholds) float64 {
	worst := 0.0
	if t.CPU > 0 && t.CPU < 1 {
		worst = math.Max(worst, clamp01((l.CPU-t.CPU)/(1-t.CPU)))
	}
	if t.Memory > 0 && t.Memory < 1 {
		worst = math.Max(worst, clamp01((l.Memory-t.Memory)/(1-t.Memory)))
	}
	if t.Latency > 0 {
		worst = math.Max(worst, clamp01(float64(l.Latency-t.Latency)/float64(t.Latency)))
	}
	return worst
}

// EffectiveLimit interpolates between base (no overload) and floor (full overload).
func EffectiveLimit(base, floor int, overload float64) int {
	limit := float64(base) - float64(base-floor)*clamp01(overload)
	return max(int(math.Round(limit)), floor)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// RuntimeLoad reads load from the Go runtime. CPU is the non-idle share of the CPU time
// accounted between two calls; Memory is the heap relative to the soft memory limit and
// stays 0 when no limit is set.
type RuntimeLoad struct {
	latency func() time.Duration

	mu        sync.Mutex
	lastIdle  float64
	lastTotal float64
}

var runtimeSamples = []string{
	"/cpu/classes/idle:cpu-seconds",
	"/cpu/classes/total:cpu-seconds",
	"/memory/classes/heap/objects:bytes",
}

// Load implements LoadSource.
func (r *RuntimeLoad) Load() Load {
	samples := make([]metrics.Sample, len(runtimeSamples))
	for i, name := range runtimeSamples {
		samples[i].Name = name
	}
	metrics.Read(samples)

	var l Load
	idle, total := float64Value(samples[0]), float64Value(samples[1])
	r.mu.Lock()
	if dt := total - r.lastTotal; r.lastTotal > 0 && dt > 0 {
		l.CPU = clamp01(1 - (idle-r.lastIdle)/dt)
	}
	r.lastIdle, r.lastTotal = idle, total
	r.mu.Unlock()

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		if samples[2].Value.Kind() == metrics.KindUint64 {
			l.Memory = clamp01(float64(samples[2].Value.Uint64()) / float64(limit))
		}
	}
	if r.latency != nil {
		l.Latency = r.latency()
	}
	return l
}

func float64Value(s metrics.Sample) float64 {
	if s.Value.Kind() == metrics.KindFloat64 {
		return s.Value.Float64()
	}
	return 0
}
