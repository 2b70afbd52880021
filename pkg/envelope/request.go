// Package envelope defines the request and response values that travel through the
// dispatcher: the Request wraps a matched HTTP request with its route parameters, a lazily
// read and memoized body and a per-request context map; the Response is the handler result
// before it is written to the wire.
package envelope

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"sync"

	"github.com/Suhaibinator/SEngine/pkg/codec"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/pathtree"
)

// Options controls how a Request is built from an *http.Request.
type Options struct {
	Codecs      *codec.Registry // Registry used for body parsing (defaults to codec.NewDefaultRegistry)
	MaxBodySize int64           // Maximum body size in bytes (0 means unlimited)
	ClientIP    string          // Client IP as resolved by the router
}

var (
	defaultCodecsOnce sync.Once
	defaultCodecs     *codec.Registry
)

// DefaultCodecs returns the shared registry used when Options.Codecs is nil.
func DefaultCodecs() *codec.Registry {
	defaultCodecsOnce.Do(func() {
		defaultCodecs = codec.NewDefaultRegistry()
	})
	return defaultCodecs
}

// Request is the per-request envelope handed to middleware, guards and handlers.
//
// Route data (method, path, params, query, headers) is fixed at construction. The body is
// read on first access. The context map is safe for concurrent use.
type Request struct {
	Method  string // Request method, upper case
	Path    string // Raw request path
	RouteID pathtree.RouteID
	Route   string // Registered pattern of the matched route ("" before matching)

	params   pathtree.Params
	query    url.Values
	header   http.Header
	clientIP string
	body     *body
	codecs   *codec.Registry
	std      *http.Request

	ctx context.Context

	mu     sync.RWMutex
	values map[string]any
	deps   map[string]any
	states []State
}

// New builds a Request from an incoming *http.Request. The body is not read.
func New(r *http.Request, opts Options) *Request {
	codecs := opts.Codecs
	if codecs == nil {
		codecs = DefaultCodecs()
	}
	return &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RouteID:  -1,
		query:    r.URL.Query(),
		header:   r.Header,
		clientIP: opts.ClientIP,
		body:     newBody(r.Body, opts.MaxBodySize, r.Header.Get("Content-Type"), codecs),
		codecs:   codecs,
		std:      r,
		ctx:      r.Context(),
		values:   make(map[string]any),
	}
}

// SetRoute binds the matched route to the request.
func (r *Request) SetRoute(id pathtree.RouteID, pattern string, params pathtree.Params) {
	r.RouteID = id
	r.Route = pattern
	r.params = params
}

// Param returns the named path parameter, or "" when the route does not define it.
func (r *Request) Param(name string) string {
	return r.params.Get(name)
}

// Params returns every captured path parameter in path order.
func (r *Request) Params() pathtree.Params {
	return r.params
}

// Query returns the first value of the named query parameter.
func (r *Request) Query(name string) string {
	return r.query.Get(name)
}

// QueryAll returns every value of the named query parameter.
func (r *Request) QueryAll(name string) []string {
	return r.query[name]
}

// QueryValues returns the parsed query string. Callers must not modify it.
func (r *Request) QueryValues() url.Values {
	return r.query
}

// Header returns the first value of the named header. Lookups are case-insensitive.
func (r *Request) Header(name string) string {
	return r.header.Get(name)
}

// Headers returns the request headers. Callers must not modify them.
func (r *Request) Headers() http.Header {
	return r.header
}

// ClientIP returns the client address resolved by the router.
func (r *Request) ClientIP() string {
	return r.clientIP
}

// ContentType returns the declared Content-Type header.
func (r *Request) ContentType() string {
	return r.header.Get("Content-Type")
}

// Context returns the request's context.Context. It is cancelled when the client goes away
// or the route deadline expires.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// SetContext replaces the request's context.Context.
func (r *Request) SetContext(ctx context.Context) {
	r.ctx = ctx
}

// Std returns the underlying *http.Request. Its body must not be read directly; use Body.
func (r *Request) Std() *http.Request {
	return r.std
}

// Codecs returns the registry used to parse this request's body.
func (r *Request) Codecs() *codec.Registry {
	return r.codecs
}

// Get returns a value from the request context map.
func (r *Request) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Set stores a value in the request context map.
func (r *Request) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

// Delete removes a value from the request context map.
func (r *Request) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
}

// Values returns a snapshot of the request context map.
func (r *Request) Values() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.values)
}

// Value returns a typed value from the request context map.
func Value[T any](r *Request, key string) (T, bool) {
	v, ok := r.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SetDependencies attaches resolved dependencies to the request.
func (r *Request) SetDependencies(deps map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps = deps
}

// Dependency returns a resolved dependency by name.
func (r *Request) Dependency(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.deps[name]
	return v, ok
}

// Detach returns a copy of the request that owns all of its data, for handing to a handler
// running on another goroutine. The body is materialized first so the copy never touches the
// connection. Mutations on either copy are not visible to the other.
func (r *Request) Detach(ctx context.Context) (*Request, error) {
	b, err := r.body.detach()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	values := maps.Clone(r.values)
	deps := maps.Clone(r.deps)
	r.mu.RUnlock()

	query := make(url.Values, len(r.query))
	for k, vs := range r.query {
		query[k] = append([]string(nil), vs...)
	}

	return &Request{
		Method:   r.Method,
		Path:     r.Path,
		RouteID:  r.RouteID,
		Route:    r.Route,
		params:   append(pathtree.Params(nil), r.params...),
		query:    query,
		header:   r.header.Clone(),
		clientIP: r.clientIP,
		body:     b,
		codecs:   r.codecs,
		std:      r.std,
		ctx:      ctx,
		values:   values,
		deps:     deps,
	}, nil
}

// Claims returns the caller identity stored by authentication middleware.
func (r *Request) Claims() (*common.Claims, bool) {
	c, ok := Value[*common.Claims](r, common.ClaimsKey)
	return c, ok && c != nil
}
