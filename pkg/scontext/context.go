// Package scontext stores SEngine's per-request values (trace ID, client IP, route template
// and flags) in a context.Context, so code that only sees a context (downstream clients,
// loggers, cooperative handlers) can still reach them.
package scontext

import (
	"context"
	"maps"
)

// sEngineContextKey is a private type for the context key to avoid collisions
type sEngineContextKey struct{}

// SEngineContext holds all values that SEngine adds to request contexts.
// A single struct is stored under one key so adding values does not deepen the
// context chain on every request.
type SEngineContext struct {
	TraceID       string
	ClientIP      string
	RouteTemplate string

	TraceIDSet       bool
	ClientIPSet      bool
	RouteTemplateSet bool

	Flags map[string]bool
}

// NewSEngineContext creates a new, empty context value holder
func NewSEngineContext() *SEngineContext {
	return &SEngineContext{
		Flags: make(map[string]bool),
	}
}

// GetSEngineContext retrieves the holder from a context
func GetSEngineContext(ctx context.Context) (*SEngineContext, bool) {
	rc, ok := ctx.Value(sEngineContextKey{}).(*SEngineContext)
	return rc, ok
}

// WithSEngineContext stores the holder in a context
func WithSEngineContext(ctx context.Context, rc *SEngineContext) context.Context {
	return context.WithValue(ctx, sEngineContextKey{}, rc)
}

// EnsureSEngineContext retrieves or creates the holder. The holder is mutated in place
// afterwards, so it must not be shared between requests.
func EnsureSEngineContext(ctx context.Context) (*SEngineContext, context.Context) {
	rc, ok := GetSEngineContext(ctx)
	if !ok {
		rc = NewSEngineContext()
		ctx = WithSEngineContext(ctx, rc)
	}
	return rc, ctx
}

// Copy stores an independent copy of src's holder in dst. When src has no holder, dst is
// returned unchanged.
func Copy(dst, src context.Context) context.Context {
	rc, ok := GetSEngineContext(src)
	if !ok {
		return dst
	}
	cp := *rc
	cp.Flags = maps.Clone(rc.Flags)
	if cp.Flags == nil {
		cp.Flags = make(map[string]bool)
	}
	return WithSEngineContext(dst, &cp)
}

// WithTraceID sets the trace ID. An existing trace ID is never overwritten.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	rc, ctx := EnsureSEngineContext(ctx)
	if rc.TraceIDSet {
		return ctx
	}
	rc.TraceID = traceID
	rc.TraceIDSet = true
	return ctx
}

// GetTraceID returns the trace ID, or "" when none is set.
func GetTraceID(ctx context.Context) string {
	rc, ok := GetSEngineContext(ctx)
	if !ok || !rc.TraceIDSet {
		return ""
	}
	return rc.TraceID
}

// WithClientIP sets the client IP
func WithClientIP(ctx context.Context, ip string) context.Context {
	rc, ctx := EnsureSEngineContext(ctx)
	rc.ClientIP = ip
	rc.ClientIPSet = true
	return ctx
}

// GetClientIP returns the client IP
func GetClientIP(ctx context.Context) (string, bool) {
	rc, ok := GetSEngineContext(ctx)
	if !ok || !rc.ClientIPSet {
		return "", false
	}
	return rc.ClientIP, true
}

// WithRouteTemplate sets the matched route pattern.
func WithRouteTemplate(ctx context.Context, template string) context.Context {
	rc, ctx := EnsureSEngineContext(ctx)
	rc.RouteTemplate = template
	rc.RouteTemplateSet = true
	return ctx
}

// GetRouteTemplate returns the matched route pattern.
func GetRouteTemplate(ctx context.Context) (string, bool) {
	rc, ok := GetSEngineContext(ctx)
	if !ok || !rc.RouteTemplateSet {
		return "", false
	}
	return rc.RouteTemplate, true
}

// WithFlag sets a named boolean flag
func WithFlag(ctx context.Context, name string, value bool) context.Context {
	rc, ctx := EnsureSEngineContext(ctx)
	if rc.Flags == nil {
		rc.Flags = make(map[string]bool)
	}
	rc.Flags[name] = value
	return ctx
}

// GetFlag returns a named flag and whether it was set
func GetFlag(ctx context.Context, name string) (bool, bool) {
	rc, ok := GetSEngineContext(ctx)
	if !ok || rc.Flags == nil {
		return false, false
	}
	value, exists := rc.Flags[name]
	return value, exists
}
