// Package config loads the deployable configuration of an SEngine service: listener and
// process topology, router defaults, named rate limit policies and logging. Values come
// from a YAML or TOML file, then from .env files and SENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENGINE_"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// ErrUnknownFormat is returned for configuration files that are neither YAML nor TOML.
var ErrUnknownFormat = errors.New("config: unknown file format")

// ServerConfig is the complete service configuration.
type ServerConfig struct {
	ServiceName string                       `yaml:"service_name" toml:"service_name"`
	Environment string                       `yaml:"environment" toml:"environment"`
	Server      ListenConfig                 `yaml:"server" toml:"server"`
	Router      RouterSettings               `yaml:"router" toml:"router"`
	Log         LogConfig                    `yaml:"log" toml:"log"`
	RateLimits  map[string]RateLimitSettings `yaml:"rate_limits" toml:"rate_limits"`
}

// ListenConfig configures listeners and worker processes.
type ListenConfig struct {
	Addr              string        `yaml:"addr" toml:"addr"`
	Reactors          int           `yaml:"reactors" toml:"reactors"`
	ReusePort         bool          `yaml:"reuse_port" toml:"reuse_port"`
	H2C               bool          `yaml:"h2c" toml:"h2c"`
	Workers           int           `yaml:"workers" toml:"workers"` // Worker processes; 0 or 1 runs in-process
	RestartWorkers    bool          `yaml:"restart_workers" toml:"restart_workers"`
	MaxConnections    int           `yaml:"max_connections" toml:"max_connections"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// RouterSettings are the router-wide defaults.
type RouterSettings struct {
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	MaxBodySize       int64         `yaml:"max_body_size" toml:"max_body_size"`
	TraceLogging      bool          `yaml:"trace_logging" toml:"trace_logging"`
	TraceLoggingInfo  bool          `yaml:"trace_logging_info" toml:"trace_logging_info"`
	TraceIDBufferSize int           `yaml:"trace_id_buffer_size" toml:"trace_id_buffer_size"`
	SlowRequest       time.Duration `yaml:"slow_request" toml:"slow_request"`
	IPSource          string        `yaml:"ip_source" toml:"ip_source"`
	IPHeader          string        `yaml:"ip_header" toml:"ip_header"`
	TrustProxy        bool          `yaml:"trust_proxy" toml:"trust_proxy"`
	TrustedProxies    []string      `yaml:"trusted_proxies" toml:"trusted_proxies"`
	BridgeWorkers     int           `yaml:"bridge_workers" toml:"bridge_workers"`
	BridgeQueue       int           `yaml:"bridge_queue" toml:"bridge_queue"`
	MaxCooperative    int64         `yaml:"max_cooperative" toml:"max_cooperative"`
}

// LogConfig configures the zap logger built by NewLogger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error (default info)
	Format string `yaml:"format" toml:"format"` // json or console (default by environment)
}

// RateLimitSettings describes a named rate limit policy.
type RateLimitSettings struct {
	Algorithm string        `yaml:"algorithm" toml:"algorithm"` // token_bucket, sliding_window, adaptive, leaky
	Limit     int           `yaml:"limit" toml:"limit"`         // Capacity or requests per window
	Window    time.Duration `yaml:"window" toml:"window"`       // Refill period or window length
	Floor     int           `yaml:"floor" toml:"floor"`         // Adaptive minimum budget
	MaxWait   time.Duration `yaml:"max_wait" toml:"max_wait"`   // Leaky bucket queueing limit before rejection
	Strategy  string        `yaml:"strategy" toml:"strategy"`   // ip or user (default ip)

	// Adaptive thresholds; zero values take 0.8 CPU, 0.9 memory and no latency signal.
	CPUThreshold     float64       `yaml:"cpu_threshold" toml:"cpu_threshold"`
	MemoryThreshold  float64       `yaml:"memory_threshold" toml:"memory_threshold"`
	LatencyThreshold time.Duration `yaml:"latency_threshold" toml:"latency_threshold"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *ServerConfig {
	return &ServerConfig{
		ServiceName: "sengine",
		Environment: EnvironmentProduction,
		Server: ListenConfig{
			Addr:              ":8080",
			Reactors:          1,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       75 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Router: RouterSettings{
			TraceIDBufferSize: 1000,
			SlowRequest:       time.Second,
			IPSource:          "x_forwarded_for",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the configuration. path may be empty, otherwise it names a .yaml, .yml or
// .toml file. The given .env files are loaded next (just ".env" when none are given, and
// then a missing file is not an error); variables already set in the environment win.
// SENGINE_* variables are applied last and the result is validated.
func Load(path string, envFiles ...string) (*ServerConfig, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("config: load env files: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == EnvironmentDevelopment
}

var (
	ipSources  = []string{"remote_addr", "x_forwarded_for", "x_real_ip", "custom_header"}
	algorithms = []string{"token_bucket", "sliding_window", "adaptive", "leaky"}
	strategies = []string{"", "ip", "user"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks the configuration and reports every problem it finds.
func (c *ServerConfig) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Environment != EnvironmentDevelopment && c.Environment != EnvironmentProduction {
		add("environment must be %q or %q, got %q", EnvironmentDevelopment, EnvironmentProduction, c.Environment)
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.Reactors < 1 {
		add("server.reactors must be at least 1")
	}
	if c.Server.Workers < 0 {
		add("server.workers must not be negative")
	}
	if c.Server.Workers > 1 && !c.Server.ReusePort {
		add("server.workers > 1 requires server.reuse_port")
	}
	if c.Router.Timeout < 0 || c.Router.MaxBodySize < 0 {
		add("router.timeout and router.max_body_size must not be negative")
	}
	if !oneOf(c.Router.IPSource, ipSources) {
		add("router.ip_source %q is not one of %v", c.Router.IPSource, ipSources)
	}
	if c.Router.IPSource == "custom_header" && c.Router.IPHeader == "" {
		add("router.ip_header is required with ip_source custom_header")
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			add("log.level: %v", err)
		}
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}
	for name, rl := range c.RateLimits {
		if !oneOf(rl.Algorithm, algorithms) {
			add("rate_limits.%s.algorithm %q is not one of %v", name, rl.Algorithm, algorithms)
		}
		if rl.Limit < 1 {
			add("rate_limits.%s.limit must be at least 1", name)
		}
		if rl.Algorithm != "token_bucket" && rl.Window <= 0 {
			add("rate_limits.%s.window is required for %s", name, rl.Algorithm)
		}
		if !oneOf(rl.Strategy, strategies) {
			add("rate_limits.%s.strategy %q is not one of ip, user", name, rl.Strategy)
		}
	}
	return errs
}
