// Package router provides the SEngine dispatcher: it owns the route table built from
// routes and blueprints, matches incoming requests and drives each one through the
// middleware chain, the guards, dependency resolution and the concurrency bridge before
// writing the response.
package router

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/bridge"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/guard"
	"github.com/Suhaibinator/SEngine/pkg/inject"
	"github.com/Suhaibinator/SEngine/pkg/metrics"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/Suhaibinator/SEngine/pkg/pathtree"
	"github.com/Suhaibinator/SEngine/pkg/scontext"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultSlowRequest = time.Second

// Router is the request dispatcher. It implements http.Handler.
//
// Routes are registered from the RouterConfig and with RegisterRoute / RegisterBlueprint
// until the route table is frozen, either explicitly with Freeze or Start, or implicitly by
// the first request. Reload swaps in a new table atomically.
type Router struct {
	config           RouterConfig
	logger           *zap.Logger
	bridge           *bridge.Bridge
	sink             metrics.Sink
	traceIDGenerator *middleware.IDGenerator
	writerPool       sync.Pool

	mu      sync.Mutex // serializes registration, Freeze and Reload
	pending *Registrar
	table   atomic.Pointer[table]

	wg         sync.WaitGroup // in-flight requests
	shutdown   bool
	shutdownMu sync.RWMutex
	started    atomic.Bool
	stopped    atomic.Bool
}

// NewRouter creates a router and registers the routes and blueprints of config.
// Registration errors (conflicts, missing handlers) are returned together.
func NewRouter(config RouterConfig) (*Router, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Environment == "" {
		config.Environment = Production
	}
	if config.IPConfig == nil {
		config.IPConfig = DefaultIPConfig()
	}
	if config.SlowRequest <= 0 {
		config.SlowRequest = defaultSlowRequest
	}
	if config.Codecs == nil {
		config.Codecs = envelope.DefaultCodecs()
	}
	if config.Bridge.Logger == nil {
		config.Bridge.Logger = config.Logger
	}

	r := &Router{
		config: config,
		logger: config.Logger,
		sink:   config.MetricsSink,
	}
	if r.sink == nil {
		r.sink = metrics.Nop
	}
	if config.TraceIDBufferSize > 0 {
		r.traceIDGenerator = middleware.NewIDGenerator(config.TraceIDBufferSize)
	}
	r.writerPool.New = func() any { return &responseWriter{} }

	r.pending = newRegistrar(&r.config, r.logger)
	if err := registerConfigured(r.pending, &r.config); err != nil {
		return nil, err
	}
	r.bridge = bridge.New(config.Bridge)
	return r, nil
}

func registerConfigured(g *Registrar, config *RouterConfig) error {
	var errs error
	for _, rc := range config.Routes {
		errs = multierr.Append(errs, g.RegisterRoute(rc))
	}
	for _, bp := range config.Blueprints {
		errs = multierr.Append(errs, g.RegisterBlueprint(bp))
	}
	return errs
}

// RegisterRoute adds a route to the table being built. It fails with ErrFrozen once the
// table is frozen.
func (r *Router) RegisterRoute(rc RouteConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ErrFrozen
	}
	return r.pending.RegisterRoute(rc)
}

// RegisterBlueprint adds a blueprint to the table being built. It fails with ErrFrozen
// once the table is frozen.
func (r *Router) RegisterBlueprint(bp BlueprintConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ErrFrozen
	}
	return r.pending.RegisterBlueprint(bp)
}

// Freeze compiles the registered routes into the immutable route table and validates
// their dependencies. Calling it again is a no-op.
func (r *Router) Freeze() error {
	if r.table.Load() != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	t, err := r.pending.build()
	if err != nil {
		return err
	}
	r.table.Store(t)
	r.pending = nil
	r.logger.Info("Route table frozen", zap.Int("routes", len(t.routes)))
	return nil
}

// Reload builds a new route table from the configured routes plus whatever fn registers,
// then swaps it in. Requests already dispatched finish on the previous table. On error
// the current table is kept.
func (r *Router) Reload(fn func(*Registrar) error) error {
	g := newRegistrar(&r.config, r.logger)
	if err := registerConfigured(g, &r.config); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(g); err != nil {
			return err
		}
	}
	t, err := g.build()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.table.Store(t)
	r.pending = nil
	r.mu.Unlock()
	r.logger.Info("Route table reloaded", zap.Int("routes", len(t.routes)))
	return nil
}

// Routes describes every registered route, in registration order.
func (r *Router) Routes() []RouteInfo {
	if t := r.table.Load(); t != nil {
		out := make([]RouteInfo, len(t.routes))
		for i, rt := range t.routes {
			out[i] = rt.info
		}
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	return r.pending.infos()
}

// Start freezes the route table and runs the OnStartup hooks in order, stopping at the
// first failure. Only the first call has an effect.
func (r *Router) Start(ctx context.Context) error {
	if r.isShuttingDown() {
		return ErrShuttingDown
	}
	if err := r.Freeze(); err != nil {
		return err
	}
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	for _, hook := range r.config.OnStartup {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully shuts down the router.
// It stops accepting new requests (answering them with 503), waits for in-flight requests
// to complete, stops the bridge and then runs the OnShutdown hooks.
func (r *Router) Shutdown(ctx context.Context) error {
	// Check if context is already done before proceeding
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Mark the router as shutting down. Requests admitted before this point are
	// counted in wg.
	r.shutdownMu.Lock()
	r.shutdown = true
	r.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	errs := r.bridge.Close(ctx)
	if !r.stopped.CompareAndSwap(false, true) {
		return errs
	}
	for _, hook := range r.config.OnShutdown {
		errs = multierr.Append(errs, hook(ctx))
	}
	if r.traceIDGenerator != nil {
		r.traceIDGenerator.Stop()
	}
	return errs
}

// BridgeStats returns the worker pool statistics of the concurrency bridge.
func (r *Router) BridgeStats() bridge.WorkerPoolStats {
	return r.bridge.Stats()
}

func (r *Router) isShuttingDown() bool {
	r.shutdownMu.RLock()
	defer r.shutdownMu.RUnlock()
	return r.shutdown
}

// enter admits a request unless the router is shutting down.
func (r *Router) enter() bool {
	r.shutdownMu.RLock()
	defer r.shutdownMu.RUnlock()
	if r.shutdown {
		return false
	}
	r.wg.Add(1)
	return true
}

// ServeHTTP implements the http.Handler interface.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	rw := r.writerPool.Get().(*responseWriter)
	rw.reset(w)
	defer r.writerPool.Put(rw)

	clientIP := ClientIP(req, r.config.IPConfig)
	ctx := scontext.WithClientIP(req.Context(), clientIP)
	if r.traceIDGenerator != nil {
		ctx = scontext.WithTraceID(ctx, r.traceIDGenerator.GetID())
	}
	req = req.WithContext(ctx)

	if !r.enter() {
		ereq := envelope.New(req, envelope.Options{Codecs: r.config.Codecs, ClientIP: clientIP})
		resp := r.statusResponse(ereq, http.StatusServiceUnavailable)
		resp.Header.Set("Connection", "close")
		r.respond(rw, ereq, resp, start)
		return
	}
	defer r.wg.Done()

	t, err := r.activeTable()
	if err != nil {
		ereq := envelope.New(req, envelope.Options{Codecs: r.config.Codecs, ClientIP: clientIP})
		r.logger.Error("Failed to build route table", zap.Error(err))
		r.respond(rw, ereq, r.statusResponse(ereq, http.StatusInternalServerError), start)
		return
	}

	m := t.tree.Match(req.URL.Path, req.Method)
	maxBodySize := r.config.GlobalMaxBodySize
	var rt *route
	if m.Status == pathtree.Found {
		rt = t.routes[m.Route]
		maxBodySize = rt.overrides.MaxBodySize
	}

	ereq := envelope.New(req, envelope.Options{
		Codecs:      r.config.Codecs,
		MaxBodySize: maxBodySize,
		ClientIP:    clientIP,
	})
	ereq.Transition(envelope.StateMatching)

	var resp *envelope.Response
	if rt != nil {
		ereq.SetRoute(m.Route, m.Pattern, m.Params)
		resp = r.dispatch(ereq, rt)
	} else {
		resp = r.unmatched(ereq, t, m)
	}
	r.respond(rw, ereq, resp, start)
}

func (r *Router) activeTable() (*table, error) {
	if t := r.table.Load(); t != nil {
		return t, nil
	}
	if err := r.Freeze(); err != nil {
		return nil, err
	}
	return r.table.Load(), nil
}

// dispatch runs a matched request through its route's pipeline. It returns nil when the
// client went away before the response was ready.
func (r *Router) dispatch(req *envelope.Request, rt *route) *envelope.Response {
	client := req.Context()
	ctx := scontext.WithRouteTemplate(client, rt.info.Path)
	var cancel context.CancelFunc
	if rt.overrides.HasTimeout() {
		ctx, cancel = context.WithTimeout(ctx, rt.overrides.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	req.SetContext(ctx)

	req.Transition(envelope.StatePreMiddleware)
	resp, tr, err := rt.chain.Before(req)

	var scope *inject.Scope
	discarded := false
	switch {
	case err != nil:
		// Policy denials such as rate limits and open breakers are answers, not failures.
		var he *common.HTTPError
		if !errors.As(err, &he) {
			req.Transition(envelope.StateFailed)
		}
		resp = r.errorResponse(req, err)
	case resp == nil:
		req.Transition(envelope.StateGuardResolution)
		scope, resp = r.resolve(req, rt)
		if resp != nil {
			break
		}

		req.Transition(envelope.StateHandling)
		resp, err = r.bridge.Invoke(req.Context(), rt.handler, req)
		switch {
		case client.Err() != nil:
			// Nothing can be sent; the post-phase still sees the request end.
			discarded = true
			req.Transition(envelope.StateFailed)
			resp = r.statusResponse(req, StatusClientClosedRequest)
		case err == nil:
		default:
			req.Transition(envelope.StateFailed)
			resp = r.errorResponse(req, err)
		}
	case resp.Replayed():
		req.Transition(envelope.StateGuardResolution)
		if denied := r.authorize(req, rt); denied != nil {
			resp = denied
		}
	}

	req.Transition(envelope.StatePostMiddleware)
	resp = rt.chain.After(req, resp, tr, func(err error) *envelope.Response {
		req.Transition(envelope.StateFailed)
		return r.errorResponse(req, err)
	})

	if scope != nil {
		failed := discarded || resp.Status >= http.StatusBadRequest
		if err := scope.Close(context.WithoutCancel(ctx), failed); err != nil {
			r.logger.Error("Failed to release request dependencies",
				zap.Error(err),
				zap.String("method", req.Method),
				zap.String("route", req.Route),
			)
		}
	}

	if discarded {
		r.logger.Debug("Client went away, response discarded",
			zap.String("method", req.Method),
			zap.String("route", req.Route),
			zap.Error(client.Err()),
		)
		return nil
	}
	return resp
}

// authorize evaluates the route's guards and returns the denial response, or nil.
func (r *Router) authorize(req *envelope.Request, rt *route) *envelope.Response {
	res := guard.Evaluate(rt.guard, req)
	switch res.Outcome {
	case guard.Allow:
		return nil
	case guard.Error:
		r.logger.Warn("Guard failed",
			zap.Error(res.Err),
			zap.String("guard", rt.info.Guard),
			zap.String("method", req.Method),
			zap.String("route", req.Route),
		)
	}
	return r.errorResponse(req, res.HTTPError())
}

// resolve evaluates the route's guards and, when they allow the request, resolves its
// dependencies. A non-nil response ends the request before the handler.
func (r *Router) resolve(req *envelope.Request, rt *route) (*inject.Scope, *envelope.Response) {
	if denied := r.authorize(req, rt); denied != nil {
		return nil, denied
	}

	if len(rt.depends) == 0 {
		return nil, nil
	}
	scope, err := r.config.Container.NewScope()
	if err != nil {
		req.Transition(envelope.StateFailed)
		return nil, r.errorResponse(req, err)
	}
	deps, err := scope.Resolve(req.Context(), rt.depends...)
	if err != nil {
		req.Transition(envelope.StateFailed)
		return scope, r.errorResponse(req, err)
	}
	req.SetDependencies(deps)
	return scope, nil
}

// unmatched answers requests that matched no route: 404, 405 with Allow, or the
// automatic OPTIONS response, which runs the global middleware so CORS preflights work.
func (r *Router) unmatched(req *envelope.Request, t *table, m pathtree.Match) *envelope.Response {
	if m.Status == pathtree.MethodNotAllowed && req.Method == http.MethodOptions && !r.config.DisableAutoOptions {
		allow := strings.Join(withOptions(m.Allowed), ", ")

		req.Transition(envelope.StatePreMiddleware)
		resp, tr, err := t.global.Before(req)
		switch {
		case err != nil:
			req.Transition(envelope.StateFailed)
			resp = r.errorResponse(req, err)
		case resp == nil:
			resp = envelope.NoContent()
			resp.Header.Set("Allow", allow)
		}
		req.Transition(envelope.StatePostMiddleware)
		return t.global.After(req, resp, tr, func(err error) *envelope.Response {
			req.Transition(envelope.StateFailed)
			return r.errorResponse(req, err)
		})
	}

	if m.Status == pathtree.MethodNotAllowed {
		resp := r.statusResponse(req, http.StatusMethodNotAllowed)
		resp.Header.Set("Allow", strings.Join(m.Allowed, ", "))
		return resp
	}
	return r.statusResponse(req, http.StatusNotFound)
}

func withOptions(allowed []string) []string {
	if slices.Contains(allowed, http.MethodOptions) {
		return allowed
	}
	out := append(slices.Clone(allowed), http.MethodOptions)
	slices.Sort(out)
	return out
}

// respond writes resp (nil means the client went away) and reports the request.
func (r *Router) respond(rw *responseWriter, req *envelope.Request, resp *envelope.Response, start time.Time) {
	if resp != nil {
		req.Transition(envelope.StateResponding)
		if resp.Kind() == envelope.KindValue {
			if err := resp.Finalize(req.Codecs()); err != nil {
				resp = r.errorResponse(req, err)
			}
		}
		if _, err := resp.Write(rw, req.Std()); err != nil {
			r.logger.Debug("Failed to write response",
				zap.Error(err),
				zap.String("method", req.Method),
				zap.String("path", req.Path),
			)
		}
		req.Transition(envelope.StateResponded)
	}

	status := StatusClientClosedRequest
	if resp != nil {
		status = rw.statusCode
	}
	r.finish(req, status, rw.bytesWritten, time.Since(start))
}

// finish records metrics and, when enabled, the request trace log.
func (r *Router) finish(req *envelope.Request, status int, bytes int64, duration time.Duration) {
	routeLabel := req.Route
	if routeLabel == "" {
		routeLabel = metrics.UnmatchedRoute
	}
	r.sink.Record(metrics.RequestRecord{
		Method:       req.Method,
		Route:        routeLabel,
		Status:       status,
		Duration:     duration,
		ResponseSize: bytes,
	})

	if !r.config.EnableTraceLogging {
		return
	}

	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.Int64("bytes", bytes),
		zap.String("ip", req.ClientIP()),
	}
	if traceID := scontext.GetTraceID(req.Context()); traceID != "" {
		fields = append([]zap.Field{zap.String("trace_id", traceID)}, fields...)
	}

	if r.config.TraceLoggingUseInfo {
		r.logger.Info("Request metrics", fields...)
	} else {
		r.logger.Debug("Request metrics", fields...)
	}
	if duration > r.config.SlowRequest {
		r.logger.Warn("Slow request", fields...)
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("Server error", fields...)
	}
}
