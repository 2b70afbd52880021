package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// LookupFunc reads one environment variable. os.LookupEnv is the usual implementation.
type LookupFunc func(key string) (string, bool)

type binding struct {
	key   string
	apply func(c *ServerConfig, v string) error
}

func str(dst func(*ServerConfig) *string) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) error { *dst(c) = v; return nil }
}

func boolean(dst func(*ServerConfig) *bool) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) (err error) { *dst(c), err = cast.ToBoolE(v); return }
}

func integer(dst func(*ServerConfig) *int) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) (err error) { *dst(c), err = cast.ToIntE(v); return }
}

func integer64(dst func(*ServerConfig) *int64) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) (err error) { *dst(c), err = cast.ToInt64E(v); return }
}

func duration(dst func(*ServerConfig) *time.Duration) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) (err error) { *dst(c), err = cast.ToDurationE(v); return }
}

func list(dst func(*ServerConfig) *[]string) func(*ServerConfig, string) error {
	return func(c *ServerConfig, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst(c) = out
		return nil
	}
}

var bindings = []binding{
	{"SERVICE_NAME", str(func(c *ServerConfig) *string { return &c.ServiceName })},
	{"ENVIRONMENT", str(func(c *ServerConfig) *string { return &c.Environment })},

	{"SERVER_ADDR", str(func(c *ServerConfig) *string { return &c.Server.Addr })},
	{"SERVER_REACTORS", integer(func(c *ServerConfig) *int { return &c.Server.Reactors })},
	{"SERVER_REUSE_PORT", boolean(func(c *ServerConfig) *bool { return &c.Server.ReusePort })},
	{"SERVER_H2C", boolean(func(c *ServerConfig) *bool { return &c.Server.H2C })},
	{"SERVER_WORKERS", integer(func(c *ServerConfig) *int { return &c.Server.Workers })},
	{"SERVER_RESTART_WORKERS", boolean(func(c *ServerConfig) *bool { return &c.Server.RestartWorkers })},
	{"SERVER_MAX_CONNECTIONS", integer(func(c *ServerConfig) *int { return &c.Server.MaxConnections })},
	{"SERVER_READ_HEADER_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Server.ReadHeaderTimeout })},
	{"SERVER_READ_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Server.ReadTimeout })},
	{"SERVER_WRITE_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Server.WriteTimeout })},
	{"SERVER_IDLE_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Server.IdleTimeout })},
	{"SERVER_SHUTDOWN_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Server.ShutdownTimeout })},

	{"ROUTER_TIMEOUT", duration(func(c *ServerConfig) *time.Duration { return &c.Router.Timeout })},
	{"ROUTER_MAX_BODY_SIZE", integer64(func(c *ServerConfig) *int64 { return &c.Router.MaxBodySize })},
	{"ROUTER_TRACE_LOGGING", boolean(func(c *ServerConfig) *bool { return &c.Router.TraceLogging })},
	{"ROUTER_TRACE_LOGGING_INFO", boolean(func(c *ServerConfig) *bool { return &c.Router.TraceLoggingInfo })},
	{"ROUTER_TRACE_ID_BUFFER_SIZE", integer(func(c *ServerConfig) *int { return &c.Router.TraceIDBufferSize })},
	{"ROUTER_SLOW_REQUEST", duration(func(c *ServerConfig) *time.Duration { return &c.Router.SlowRequest })},
	{"ROUTER_IP_SOURCE", str(func(c *ServerConfig) *string { return &c.Router.IPSource })},
	{"ROUTER_IP_HEADER", str(func(c *ServerConfig) *string { return &c.Router.IPHeader })},
	{"ROUTER_TRUST_PROXY", boolean(func(c *ServerConfig) *bool { return &c.Router.TrustProxy })},
	{"ROUTER_TRUSTED_PROXIES", list(func(c *ServerConfig) *[]string { return &c.Router.TrustedProxies })},
	{"ROUTER_BRIDGE_WORKERS", integer(func(c *ServerConfig) *int { return &c.Router.BridgeWorkers })},
	{"ROUTER_BRIDGE_QUEUE", integer(func(c *ServerConfig) *int { return &c.Router.BridgeQueue })},
	{"ROUTER_MAX_COOPERATIVE", integer64(func(c *ServerConfig) *int64 { return &c.Router.MaxCooperative })},

	{"LOG_LEVEL", str(func(c *ServerConfig) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *ServerConfig) *string { return &c.Log.Format })},
}

// EnvKeys lists the recognised environment variables, prefix included.
func EnvKeys() []string {
	keys := make([]string, len(bindings))
	for i, b := range bindings {
		keys[i] = EnvPrefix + b.key
	}
	sort.Strings(keys)
	return keys
}

// ApplyEnv overrides fields from SENGINE_* variables found by lookup. Values that cannot
// be converted are reported together and leave their field unchanged.
func (c *ServerConfig) ApplyEnv(lookup LookupFunc) error {
	var errs error
	for _, b := range bindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		scratch := *c
		if err := b.apply(&scratch, v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, b.key, v, err))
			continue
		}
		*c = scratch
	}
	return errs
}
