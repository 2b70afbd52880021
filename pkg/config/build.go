package config

import (
	"fmt"
	"io"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/bridge"
	"github.com/Suhaibinator/SEngine/pkg/middleware/ratelimit"
	"github.com/Suhaibinator/SEngine/pkg/router"
	"github.com/Suhaibinator/SEngine/pkg/topology"
	"go.uber.org/zap"
)

// RouterConfig returns the router settings. Routes, blueprints, middleware and the
// container are left for the caller to fill in.
func (c *ServerConfig) RouterConfig(logger *zap.Logger) router.RouterConfig {
	env := router.Production
	if c.IsDevelopment() {
		env = router.Development
	}
	return router.RouterConfig{
		ServiceName:         c.ServiceName,
		Environment:         env,
		Logger:              logger,
		GlobalTimeout:       c.Router.Timeout,
		GlobalMaxBodySize:   c.Router.MaxBodySize,
		EnableTraceLogging:  c.Router.TraceLogging,
		TraceLoggingUseInfo: c.Router.TraceLoggingInfo,
		TraceIDBufferSize:   c.Router.TraceIDBufferSize,
		SlowRequest:         c.Router.SlowRequest,
		IPConfig: &router.IPConfig{
			Source:         router.IPSourceType(c.Router.IPSource),
			CustomHeader:   c.Router.IPHeader,
			TrustProxy:     c.Router.TrustProxy,
			TrustedProxies: c.Router.TrustedProxies,
		},
		Bridge: bridge.Config{
			Workers:        c.Router.BridgeWorkers,
			QueueSize:      c.Router.BridgeQueue,
			MaxCooperative: c.Router.MaxCooperative,
			Logger:         logger,
		},
	}
}

// Topology returns the listener settings. banner receives the start-up banner when
// non-nil; routes is reported in it.
func (c *ServerConfig) Topology(logger *zap.Logger, banner io.Writer, routes int) topology.Config {
	return topology.Config{
		Addr:              c.Server.Addr,
		Reactors:          c.Server.Reactors,
		ReusePort:         c.Server.ReusePort,
		H2C:               c.Server.H2C,
		MaxConnections:    c.Server.MaxConnections,
		ReadHeaderTimeout: c.Server.ReadHeaderTimeout,
		ReadTimeout:       c.Server.ReadTimeout,
		WriteTimeout:      c.Server.WriteTimeout,
		IdleTimeout:       c.Server.IdleTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		Banner:            banner,
		BannerInfo: topology.BannerInfo{
			ServiceName: c.ServiceName,
			Environment: c.Environment,
			Workers:     c.Server.Workers,
			Routes:      routes,
		},
		Logger: logger,
	}
}

// Supervisor returns the worker process settings.
func (c *ServerConfig) Supervisor(logger *zap.Logger) topology.SupervisorConfig {
	return topology.SupervisorConfig{
		Workers:     c.Server.Workers,
		Restart:     c.Server.RestartWorkers,
		StopTimeout: c.Server.ShutdownTimeout,
		Logger:      logger,
	}
}

// Supervise reports whether this process should run a Supervisor instead of serving.
func (c *ServerConfig) Supervise() bool {
	return c.Server.Workers > 1 && !topology.IsWorker()
}

// RateLimit builds the named policy. Limiters are created through registry, so every
// route using the same name shares one limiter and one set of budgets.
func (c *ServerConfig) RateLimit(name string, registry *ratelimit.Registry) (*ratelimit.Config, error) {
	settings, ok := c.RateLimits[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown rate limit %q", name)
	}
	strategy := ratelimit.StrategyIP
	if settings.Strategy == "user" {
		strategy = ratelimit.StrategyUser
	}
	limiter := registry.GetOrCreate(name, func() ratelimit.Limiter { return settings.limiter() })
	return &ratelimit.Config{BucketName: name, Limiter: limiter, Strategy: strategy}, nil
}

// RateLimitsFor builds every configured policy into one map keyed by name.
func (c *ServerConfig) RateLimitsFor(registry *ratelimit.Registry) (map[string]*ratelimit.Config, error) {
	out := make(map[string]*ratelimit.Config, len(c.RateLimits))
	for name := range c.RateLimits {
		cfg, err := c.RateLimit(name, registry)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

func (s RateLimitSettings) limiter() ratelimit.Limiter {
	switch s.Algorithm {
	case "sliding_window":
		return ratelimit.NewSlidingWindow(s.Limit, s.Window)
	case "adaptive":
		t := ratelimit.Thresholds{CPU: s.CPUThreshold, Memory: s.MemoryThreshold, Latency: s.LatencyThreshold}
		if t.CPU == 0 {
			t.CPU = 0.8
		}
		if t.Memory == 0 {
			t.Memory = 0.9
		}
		return ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{
			Base:       s.Limit,
			Floor:      s.Floor,
			Window:     s.Window,
			Thresholds: t,
		})
	case "leaky":
		return ratelimit.NewLeaky(s.Limit, s.Window, s.MaxWait)
	default:
		var refill float64
		if s.Window > 0 {
			refill = float64(s.Limit) / s.Window.Seconds()
		}
		return ratelimit.NewTokenBucket(s.Limit, refill)
	}
}

// ShutdownTimeout is the time the service gets to drain on shutdown.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return c.Server.ShutdownTimeout
}
