// Package bridge runs route handlers away from the goroutine that owns the connection.
//
// Handlers are classified once at registration. Blocking handlers are queued on a bounded
// worker pool and receive a context that is never cancelled, so they always run to
// completion; if the request has been abandoned in the meantime their result is dropped.
// Cooperative handlers run on their own goroutine, bounded by a semaphore, and receive the
// request context. In both cases the handler gets a detached copy of the request and hands
// its result back over a buffered channel.
package bridge

import (
	"context"
	"runtime/debug"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/scontext"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PanicError is a panic recovered from a handler.
type PanicError = common.PanicError

// Config sizes the bridge.
type Config struct {
	Workers        int   // Blocking worker goroutines (default DefaultWorkers)
	QueueSize      int   // Pending blocking tasks (default 4 per worker)
	MaxCooperative int64 // Concurrent cooperative handlers (default 10000)
	Logger         *zap.Logger
}

// Bridge dispatches handler invocations.
type Bridge struct {
	pool   *WorkerPool
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New creates a bridge and starts its workers.
func New(cfg Config) *Bridge {
	if cfg.MaxCooperative <= 0 {
		cfg.MaxCooperative = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bridge{
		pool:   NewWorkerPool(cfg.Workers, cfg.QueueSize),
		sem:    semaphore.NewWeighted(cfg.MaxCooperative),
		logger: cfg.Logger,
	}
}

type result struct {
	value any
	err   error
}

// Invoke runs h for req and waits for its result until ctx is done. On ctx expiry the
// context error is returned and the handler's eventual result is discarded.
func (b *Bridge) Invoke(ctx context.Context, h Handler, req *envelope.Request) (*envelope.Response, error) {
	handlerCtx := ctx
	if h.kind == Blocking {
		// Blocking handlers cannot be interrupted; they keep the request values but not
		// its cancellation.
		handlerCtx = scontext.Copy(context.WithoutCancel(ctx), ctx)
	}
	detached, err := req.Detach(handlerCtx)
	if err != nil {
		return nil, err
	}

	out := make(chan result, 1)
	task := func() {
		v, err := b.call(handlerCtx, h, detached)
		out <- result{value: v, err: err}
	}

	switch h.kind {
	case Blocking:
		if err := b.pool.Submit(ctx, task); err != nil {
			return nil, err
		}
	default:
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer b.sem.Release(1)
			task()
		}()
	}

	select {
	case r := <-out:
		if r.err != nil {
			return nil, r.err
		}
		return ToResponse(r.value), nil
	case <-ctx.Done():
		b.logger.Debug("Handler result discarded",
			zap.String("method", req.Method),
			zap.String("route", req.Route),
			zap.String("kind", h.kind.String()),
			zap.Error(ctx.Err()),
		)
		return nil, ctx.Err()
	}
}

func (b *Bridge) call(ctx context.Context, h Handler, req *envelope.Request) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v, err = nil, &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	if h.kind == Cooperative {
		return h.cooperative(ctx, req)
	}
	return h.blocking(req)
}

// Stats returns worker pool statistics.
func (b *Bridge) Stats() WorkerPoolStats {
	return b.pool.Stats()
}

// Close stops the worker pool, waiting for queued blocking handlers until ctx is done.
func (b *Bridge) Close(ctx context.Context) error {
	return b.pool.Close(ctx)
}
