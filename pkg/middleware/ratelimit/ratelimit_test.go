package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newRequest(ip string) *envelope.Request {
	return envelope.New(httptest.NewRequest(http.MethodGet, "/api", nil), envelope.Options{ClientIP: ip})
}

func TestTokenBucketNoRefill(t *testing.T) {
	mock := clock.NewMock()
	tb := NewTokenBucket(5, 0, WithClock(mock))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := tb.Allow(ctx, "k")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}
	d := tb.Allow(ctx, "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, noRefillRetryAfter, d.RetryAfter)

	mock.Add(time.Hour)
	assert.False(t, tb.Allow(ctx, "k").Allowed)
	assert.True(t, tb.Allow(ctx, "other").Allowed, "keys are independent")
}

func TestTokenBucketRefill(t *testing.T) {
	mock := clock.NewMock()
	tb := NewTokenBucket(2, 1, WithClock(mock))
	ctx := context.Background()

	assert.True(t, tb.Allow(ctx, "k").Allowed)
	assert.True(t, tb.Allow(ctx, "k").Allowed)
	d := tb.Allow(ctx, "k")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	mock.Add(500 * time.Millisecond)
	d = tb.Allow(ctx, "k")
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	mock.Add(500 * time.Millisecond)
	assert.True(t, tb.Allow(ctx, "k").Allowed)

	mock.Add(10 * time.Second)
	d = tb.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining, "refill is capped at capacity")

	mock.Add(2 * time.Hour)
	assert.Equal(t, 1, tb.Prune(time.Hour))
}

func TestSlidingWindow(t *testing.T) {
	mock := clock.NewMock()
	sw := NewSlidingWindow(3, time.Minute, WithClock(mock))
	ctx := context.Background()

	assert.True(t, sw.Allow(ctx, "k").Allowed)
	mock.Add(20 * time.Second)
	assert.True(t, sw.Allow(ctx, "k").Allowed)
	mock.Add(20 * time.Second)
	d := sw.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d = sw.Allow(ctx, "k")
	require.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter, "oldest entry leaves the window at t=60s")

	mock.Add(20 * time.Second)
	assert.True(t, sw.Allow(ctx, "k").Allowed, "exactly one slot freed")
	assert.False(t, sw.Allow(ctx, "k").Allowed)

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, sw.Prune())
}

type fixedLoad struct{ l Load }

func (f fixedLoad) Load() Load { return f.l }

func TestOverloadAndEffectiveLimit(t *testing.T) {
	th := Thresholds{CPU: 0.8, Memory: 0.9, Latency: 100 * time.Millisecond}

	assert.Equal(t, 0.0, Overload(Load{CPU: 0.5}, th))
	assert.InDelta(t, 0.5, Overload(Load{CPU: 0.9}, th), 1e-9)
	assert.InDelta(t, 1.0, Overload(Load{Memory: 1.2}, th), 1e-9)
	assert.InDelta(t, 0.5, Overload(Load{CPU: 0.85, Latency: 150 * time.Millisecond}, th), 1e-9)
	assert.Equal(t, 0.0, Overload(Load{CPU: 1}, Thresholds{}), "zero thresholds disable signals")

	assert.Equal(t, 100, EffectiveLimit(100, 10, 0))
	assert.Equal(t, 55, EffectiveLimit(100, 10, 0.5))
	assert.Equal(t, 10, EffectiveLimit(100, 10, 1))
	assert.Equal(t, 10, EffectiveLimit(100, 10, 7), "never below floor")
}

func TestAdaptiveShrinksUnderLoad(t *testing.T) {
	mock := clock.NewMock()
	source := &fixedLoad{}
	a := NewAdaptive(AdaptiveConfig{
		Base:       4,
		Floor:      1,
		Window:     time.Minute,
		Thresholds: Thresholds{CPU: 0.5},
		Source:     source,
		Options:    []Option{WithClock(mock)},
	})
	ctx := context.Background()

	assert.Equal(t, 4, a.Limit())
	source.l = Load{CPU: 1}
	assert.Equal(t, 1, a.Limit())
	assert.True(t, a.Allow(ctx, "k").Allowed)
	assert.False(t, a.Allow(ctx, "k").Allowed)

	source.l = Load{}
	assert.True(t, a.Allow(ctx, "k").Allowed)
}

func TestAdaptiveObservesLatency(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{Base: 10, Floor: 2, Window: time.Second, Thresholds: Thresholds{Latency: 100 * time.Millisecond}})
	assert.Equal(t, 10, a.Limit())
	a.Observe(200 * time.Millisecond)
	assert.Equal(t, 2, a.Limit())
	for i := 0; i < 50; i++ {
		a.Observe(time.Millisecond)
	}
	assert.Equal(t, 10, a.Limit())
}

func TestRuntimeLoad(t *testing.T) {
	r := &RuntimeLoad{}
	first := r.Load()
	second := r.Load()
	for _, l := range []Load{first, second} {
		assert.GreaterOrEqual(t, l.CPU, 0.0)
		assert.LessOrEqual(t, l.CPU, 1.0)
		assert.GreaterOrEqual(t, l.Memory, 0.0)
	}
}

func TestLeakyPacing(t *testing.T) {
	l := NewLeaky(50, time.Second, 0)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "k").Allowed)
	d := l.Allow(ctx, "k")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 20*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "k").Allowed)
}

func TestLeakyDelaysWithinMaxWait(t *testing.T) {
	l := NewLeaky(100, time.Second, time.Second)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		require.True(t, l.Allow(ctx, "k").Allowed)
	}
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func runEntry(t *testing.T, e middleware.Entry, req *envelope.Request) (*envelope.Response, error) {
	t.Helper()
	chain := middleware.NewChain(e)
	resp, tr, err := chain.Before(req)
	if err != nil || resp != nil {
		return resp, err
	}
	return chain.After(req, envelope.NoContent(), tr, func(err error) *envelope.Response {
		t.Fatalf("post hook failed: %v", err)
		return nil
	}), nil
}

func TestMiddlewareSixthRequestRejected(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := &Config{BucketName: "api", Limiter: NewTokenBucket(5, 0, WithClock(clock.NewMock()))}
	entry := Middleware(cfg, zap.New(core))

	for i := 0; i < 5; i++ {
		resp, err := runEntry(t, entry, newRequest("203.0.113.1"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.Status)
		assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	}

	_, err := runEntry(t, entry, newRequest("203.0.113.1"))
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "ip:203.0.113.1", exceeded.Key)

	var herr *common.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusTooManyRequests, herr.StatusCode)
	assert.Equal(t, "60", herr.Header.Get("Retry-After"))
	assert.Equal(t, "0", herr.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, 1, logs.FilterMessage("Rate limit exceeded").Len())

	_, err = runEntry(t, entry, newRequest("203.0.113.2"))
	assert.NoError(t, err, "other clients keep their own budget")
}

func TestMiddlewareStrategies(t *testing.T) {
	user := newRequest("198.51.100.7")
	user.Set(common.ClaimsKey, &common.Claims{Subject: "u42"})
	key, err := Key(&Config{Strategy: StrategyUser}, user)
	require.NoError(t, err)
	assert.Equal(t, "user:u42", key)

	key, err = Key(&Config{Strategy: StrategyUser}, newRequest("198.51.100.7"))
	require.NoError(t, err)
	assert.Equal(t, "ip:198.51.100.7", key)

	custom := &Config{Strategy: StrategyCustom, KeyExtractor: func(req *envelope.Request) (string, error) {
		return req.Query("tenant"), nil
	}}
	_, err = Key(custom, newRequest("198.51.100.7"))
	assert.ErrorIs(t, err, ErrKeyExtractor)

	_, err = Key(&Config{Strategy: StrategyCustom}, newRequest("x"))
	assert.ErrorIs(t, err, ErrKeyExtractor)

	boom := errors.New("boom")
	_, err = runEntry(t, Middleware(&Config{Strategy: StrategyCustom, Limiter: NewTokenBucket(1, 1),
		KeyExtractor: func(*envelope.Request) (string, error) { return "", boom }}, nil), newRequest("x"))
	assert.ErrorIs(t, err, boom)
}

func TestMiddlewareExceededHandler(t *testing.T) {
	cfg := &Config{
		BucketName: "custom",
		Limiter:    NewTokenBucket(1, 0, WithClock(clock.NewMock())),
		ExceededHandler: func(_ *envelope.Request, d Decision) *envelope.Response {
			return envelope.JSON(http.StatusTooManyRequests, map[string]any{"retry_in": d.RetryAfter.Seconds()})
		},
	}
	entry := Middleware(cfg, nil)
	_, err := runEntry(t, entry, newRequest("a"))
	require.NoError(t, err)
	resp, err := runEntry(t, entry, newRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))
}

func TestExceededHandlerWithoutResponse(t *testing.T) {
	cfg := &Config{
		BucketName:      "custom",
		Limiter:         NewTokenBucket(1, 0, WithClock(clock.NewMock())),
		ExceededHandler: func(*envelope.Request, Decision) *envelope.Response { return nil },
	}
	entry := Middleware(cfg, nil)
	_, err := runEntry(t, entry, newRequest("a"))
	require.NoError(t, err)

	resp, err := runEntry(t, entry, newRequest("a"))
	assert.Nil(t, resp)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	var herr *common.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusTooManyRequests, herr.StatusCode)
}

func TestRegistrySharesLimiters(t *testing.T) {
	reg := NewRegistry()
	var built int
	build := func() Limiter { built++; return NewTokenBucket(1, 0) }
	a := reg.GetOrCreate("shared", build)
	b := reg.GetOrCreate("shared", build)
	assert.Same(t, a, b)
	assert.Equal(t, 1, built)
}

func TestTokenBucketConcurrent(t *testing.T) {
	tb := NewTokenBucket(100, 0, WithClock(clock.NewMock()))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow(context.Background(), "k").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
	assert.Equal(t, 1, tb.entries.len())
}
