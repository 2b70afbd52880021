package router

import (
	"context"
	"net/http"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/bridge"
	"github.com/Suhaibinator/SEngine/pkg/codec"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/guard"
	"github.com/Suhaibinator/SEngine/pkg/inject"
	"github.com/Suhaibinator/SEngine/pkg/metrics"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/Suhaibinator/SEngine/pkg/middleware/ratelimit"
	"go.uber.org/zap"
)

// HttpMethod defines the type for HTTP methods.
type HttpMethod string

// Constants for standard HTTP methods.
const (
	MethodGet     HttpMethod = http.MethodGet
	MethodHead    HttpMethod = http.MethodHead
	MethodPost    HttpMethod = http.MethodPost
	MethodPut     HttpMethod = http.MethodPut
	MethodPatch   HttpMethod = http.MethodPatch // RFC 5789
	MethodDelete  HttpMethod = http.MethodDelete
	MethodConnect HttpMethod = http.MethodConnect
	MethodOptions HttpMethod = http.MethodOptions
	MethodTrace   HttpMethod = http.MethodTrace
)

// Environment selects development or production behaviour.
type Environment string

const (
	// Production hides error details from clients.
	Production Environment = "production"

	// Development adds panic values and stack traces to 500 responses.
	Development Environment = "development"
)

// Hook is a lifecycle callback, run on startup or shutdown.
type Hook func(ctx context.Context) error

// RouterConfig defines the global configuration for the router.
// It includes settings for logging, timeouts, metrics, middleware, guards and blueprints.
type RouterConfig struct {
	ServiceName         string             // Name of the service, used in logs and the start-up banner
	Environment         Environment        // Development or Production (default Production)
	Logger              *zap.Logger        // Logger for all router operations
	GlobalTimeout       time.Duration      // Default response timeout for all routes (0 means none)
	GlobalMaxBodySize   int64              // Default maximum request body size in bytes (0 means unlimited)
	GlobalRateLimit     *ratelimit.Config  // Default rate limit for all routes
	IPConfig            *IPConfig          // Configuration for client IP extraction
	EnableTraceLogging  bool               // Enable per-request trace logging
	TraceLoggingUseInfo bool               // Use Info level for trace logging instead of Debug
	TraceIDBufferSize   int                // Buffer size for trace ID generator (0 disables trace IDs)
	SlowRequest         time.Duration      // Requests slower than this are logged at Warn (default 1s)
	DisableAutoOptions  bool               // Answer OPTIONS for registered paths with 405 instead of 204 + Allow
	Middlewares         []middleware.Entry // Global middleware applied to every request, matched or not
	Guards              []guard.Node       // Guards applied to every route
	Routes              []RouteConfig      // Top-level routes
	Blueprints          []BlueprintConfig  // Blueprints with their own prefixes and settings
	Container           *inject.Container  // Dependency container (nil means routes may not declare Depends)
	Bridge              bridge.Config      // Worker pool and cooperative limits
	Codecs              *codec.Registry    // Body codecs (default envelope.DefaultCodecs)
	MetricsSink         metrics.Sink       // Receives a record for every request (optional)
	OnStartup           []Hook             // Run once by Start, in order
	OnShutdown          []Hook             // Run by Shutdown after in-flight requests finish, in order
}

// BlueprintConfig groups routes under a common path prefix with shared middleware,
// guards, dependencies and overrides. Blueprints nest; prefixes concatenate and
// middleware, guards and dependencies add up from the root to the route.
type BlueprintConfig struct {
	Prefix      string                // Common path prefix for all routes in this blueprint
	Overrides   common.RouteOverrides // Timeout and max body size for routes in this blueprint (not inherited by children)
	RateLimit   *ratelimit.Config     // Rate limit for routes in this blueprint (not inherited by children)
	Routes      []RouteConfig         // Routes in this blueprint
	Children    []BlueprintConfig     // Nested blueprints
	Middlewares []middleware.Entry    // Middleware applied to all routes in this blueprint (additive)
	Guards      []guard.Node          // Guards applied to all routes in this blueprint (additive)
	Depends     []string              // Dependencies resolved for all routes in this blueprint (additive)
	Tags        []string              // Metadata tags added to every route
}

// RouteConfig defines one route.
//
// Handler accepts anything bridge.Classify understands: func(*envelope.Request) (any, error),
// func(context.Context, *envelope.Request) (any, error), http.Handler, http.HandlerFunc or a
// bridge.Handler built with bridge.Typed / bridge.TypedContext.
type RouteConfig struct {
	Path        string                // Route path (prefixed with the blueprint prefixes)
	Methods     []HttpMethod          // HTTP methods this route handles
	Handler     any                   // Request handler (required)
	Overrides   common.RouteOverrides // Route-specific timeout and max body size
	RateLimit   *ratelimit.Config     // Route-specific rate limit (nil means blueprint or global)
	Middlewares []middleware.Entry    // Route-specific middleware (combined with blueprint and global middleware)
	Guards      []guard.Node          // Route-specific guards
	Depends     []string              // Names resolved from the container before the handler runs
	Name        string                // Optional route name
	Summary     string                // Optional human readable summary
	Tags        []string              // Optional metadata tags
}

// RouteInfo describes a registered route. It is returned by Router.Routes.
type RouteInfo struct {
	Method      string
	Path        string   // Full pattern including blueprint prefixes
	Name        string
	Summary     string
	Tags        []string
	Handler     bridge.Kind
	Timeout     time.Duration
	MaxBodySize int64
	Middlewares []string // Entry names in execution order
	Guard       string   // Combined guard expression, "" when unguarded
	Depends     []string
}
