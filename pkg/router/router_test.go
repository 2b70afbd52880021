package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/bridge"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/guard"
	"github.com/Suhaibinator/SEngine/pkg/inject"
	"github.com/Suhaibinator/SEngine/pkg/metrics"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/Suhaibinator/SEngine/pkg/middleware/cache"
	"github.com/Suhaibinator/SEngine/pkg/middleware/ratelimit"
	"github.com/Suhaibinator/SEngine/pkg/pathtree"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newTestRouter builds a router and shuts it down when the test ends.
func newTestRouter(t *testing.T, cfg RouterConfig) *Router {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func do(r http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Message
}

func ok(v any) func(*envelope.Request) (any, error) {
	return func(*envelope.Request) (any, error) { return v, nil }
}

// --- books fixture ---

type book struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

type createBook struct {
	Title  string `json:"title" validate:"required"`
	Author string `json:"author" validate:"required"`
}

type bookStore struct {
	mu    sync.Mutex
	books map[string]book
}

func newBookStore() *bookStore {
	return &bookStore{books: make(map[string]book)}
}

func booksBlueprint() BlueprintConfig {
	return BlueprintConfig{
		Prefix:  "/books",
		Depends: []string{"books"},
		Routes: []RouteConfig{
			{
				Path:    "",
				Methods: []HttpMethod{MethodPost},
				Name:    "create_book",
				Handler: bridge.Typed(func(req *envelope.Request, in createBook) (*envelope.Response, error) {
					store, err := inject.Get[*bookStore](req, "books")
					if err != nil {
						return nil, err
					}
					b := book{ID: uuid.NewString(), Title: in.Title, Author: in.Author}
					store.mu.Lock()
					store.books[b.ID] = b
					store.mu.Unlock()
					return envelope.JSON(http.StatusCreated, b), nil
				}),
			},
			{
				Path:    "/{id}",
				Methods: []HttpMethod{MethodGet},
				Name:    "get_book",
				Handler: func(req *envelope.Request) (any, error) {
					store := inject.MustGet[*bookStore](req, "books")
					store.mu.Lock()
					defer store.mu.Unlock()
					b, found := store.books[req.Param("id")]
					if !found {
						return nil, common.NewHTTPError(http.StatusNotFound, "Book not found")
					}
					return b, nil
				},
			},
		},
	}
}

func booksRouter(t *testing.T, cfg RouterConfig) *Router {
	t.Helper()
	c := inject.NewContainer()
	require.NoError(t, c.Value("books", newBookStore()))
	cfg.Container = c
	cfg.Blueprints = append(cfg.Blueprints, booksBlueprint())
	return newTestRouter(t, cfg)
}

func TestBooksEndToEnd(t *testing.T) {
	r := booksRouter(t, RouterConfig{})

	rec := do(r, http.MethodPost, "/books", `{"title":"Dune","author":"Frank Herbert"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", strings.Split(rec.Header().Get("Content-Type"), ";")[0])

	var created book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Dune", created.Title)

	rec = do(r, http.MethodGet, "/books/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fetched book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created, fetched)

	rec = do(r, http.MethodGet, "/books/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Book not found", errorMessage(t, rec))
}

func TestValidationAndParseErrors(t *testing.T) {
	r := booksRouter(t, RouterConfig{})

	rec := do(r, http.MethodPost, "/books", `{"title":"Dune"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Error.Fields, 1)
	assert.Equal(t, "required", body.Error.Fields[0].Rule)

	rec = do(r, http.MethodPost, "/books", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyTooLarge(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		GlobalMaxBodySize: 1024,
		Routes: []RouteConfig{{
			Path:      "/upload",
			Methods:   []HttpMethod{MethodPost},
			Overrides: common.RouteOverrides{MaxBodySize: 4},
			Handler: func(req *envelope.Request) (any, error) {
				b, err := req.Body()
				if err != nil {
					return nil, err
				}
				return envelope.Bytes(http.StatusOK, "text/plain", b), nil
			},
		}},
	})

	rec := do(r, http.MethodPost, "/upload", `"0123456789"`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(r, http.MethodPost, "/upload", `"ab"`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"ab"`, rec.Body.String())
}

func TestGuardDenyNeverCallsHandler(t *testing.T) {
	var calls atomic.Int32
	r := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{
			Path:    "/admin",
			Methods: []HttpMethod{MethodGet},
			Guards:  []guard.Node{guard.Authenticated()},
			Handler: func(*envelope.Request) (any, error) {
				calls.Add(1)
				return "secret", nil
			},
		}},
	})

	rec := do(r, http.MethodGet, "/admin", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authentication required", errorMessage(t, rec))
	assert.Equal(t, int32(0), calls.Load())
}

func TestGuardsCombineAcrossLevels(t *testing.T) {
	auth := middleware.Authentication(nil, &middleware.BearerTokenProvider{
		ValidTokens: map[string]*common.Claims{
			"admin-token":  {Subject: "ada", Roles: []string{"admin"}},
			"reader-token": {Subject: "bob", Roles: []string{"reader"}},
		},
	})
	r := newTestRouter(t, RouterConfig{
		Middlewares: []middleware.Entry{auth},
		Guards:      []guard.Node{guard.Authenticated()},
		Blueprints: []BlueprintConfig{{
			Prefix: "/admin",
			Guards: []guard.Node{guard.Role("admin")},
			Routes: []RouteConfig{{
				Path:    "/stats",
				Methods: []HttpMethod{MethodGet},
				Handler: ok(map[string]int{"users": 2}),
			}},
		}},
	})

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/admin/stats", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin/stats", "", "Authorization", "Bearer reader-token").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/admin/stats", "", "Authorization", "Bearer admin-token").Code)

	routes := r.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/admin/stats", routes[0].Path)
	assert.Contains(t, routes[0].Guard, "authenticated")
	assert.Contains(t, routes[0].Guard, "role(admin)")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		TraceIDBufferSize: 8,
		Routes: []RouteConfig{{
			Path:    "/users/{id}",
			Methods: []HttpMethod{MethodGet},
			Handler: ok("user"),
		}},
	})

	rec := do(r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Not Found", body.Error.Message)
	assert.NotEmpty(t, body.Error.TraceID)

	rec = do(r, http.MethodDelete, "/users/1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestAutomaticOptions(t *testing.T) {
	cors := middleware.CORS(middleware.CORSConfig{
		Origins: []string{"https://books.example"},
		Methods: []string{"GET", "POST"},
	})
	r := newTestRouter(t, RouterConfig{
		Middlewares: []middleware.Entry{cors},
		Routes: []RouteConfig{{
			Path:    "/books",
			Methods: []HttpMethod{MethodGet, MethodPost},
			Handler: ok("books"),
		}},
	})

	rec := do(r, http.MethodOptions, "/books", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, HEAD, OPTIONS, POST", rec.Header().Get("Allow"))

	rec = do(r, http.MethodOptions, "/books", "",
		"Origin", "https://books.example",
		"Access-Control-Request-Method", "POST",
	)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://books.example", rec.Header().Get("Access-Control-Allow-Origin"))

	disabled := newTestRouter(t, RouterConfig{
		DisableAutoOptions: true,
		Routes:             []RouteConfig{{Path: "/books", Methods: []HttpMethod{MethodGet}, Handler: ok("books")}},
	})
	assert.Equal(t, http.StatusMethodNotAllowed, do(disabled, http.MethodOptions, "/books", "").Code)
}

func TestStateTrace(t *testing.T) {
	var seen *envelope.Request
	capture := middleware.Entry{
		Name: "capture",
		After: func(req *envelope.Request, _ *envelope.Response) error {
			seen = req
			return nil
		},
	}
	r := newTestRouter(t, RouterConfig{
		Middlewares: []middleware.Entry{capture},
		Routes: []RouteConfig{
			{Path: "/ok", Methods: []HttpMethod{MethodGet}, Handler: ok("fine")},
			{Path: "/fail", Methods: []HttpMethod{MethodGet}, Handler: func(*envelope.Request) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	})

	rec := do(r, http.MethodGet, "/ok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, []envelope.State{
		envelope.StateMatching,
		envelope.StatePreMiddleware,
		envelope.StateGuardResolution,
		envelope.StateHandling,
		envelope.StatePostMiddleware,
		envelope.StateResponding,
		envelope.StateResponded,
	}, seen.States())

	rec = do(r, http.MethodGet, "/fail", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, seen.States(), envelope.StateFailed)
	assert.Equal(t, envelope.StateResponded, seen.State())
}

func TestShortCircuitSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	maintenance := middleware.Entry{
		Name:     "maintenance",
		Priority: 5,
		Before: func(*envelope.Request) (*envelope.Response, error) {
			return envelope.Text(http.StatusServiceUnavailable, "maintenance"), nil
		},
	}
	r := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{
			Path:        "/books",
			Methods:     []HttpMethod{MethodGet},
			Middlewares: []middleware.Entry{maintenance},
			Handler: func(*envelope.Request) (any, error) {
				calls.Add(1)
				return "books", nil
			},
		}},
	})

	rec := do(r, http.MethodGet, "/books", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "maintenance", rec.Body.String())
	assert.Zero(t, calls.Load())
}

func TestTimeouts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := newTestRouter(t, RouterConfig{
		GlobalTimeout: 30 * time.Millisecond,
		Bridge:        bridge.Config{Workers: 2},
		Routes: []RouteConfig{
			{
				Path:    "/cooperative",
				Methods: []HttpMethod{MethodGet},
				Handler: func(ctx context.Context, _ *envelope.Request) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			{
				Path:    "/blocking",
				Methods: []HttpMethod{MethodGet},
				Handler: func(*envelope.Request) (any, error) {
					<-release
					return "late", nil
				},
			},
			{
				Path:      "/patient",
				Methods:   []HttpMethod{MethodGet},
				Overrides: common.RouteOverrides{Timeout: time.Second},
				Handler: func(*envelope.Request) (any, error) {
					time.Sleep(50 * time.Millisecond)
					return "done", nil
				},
			},
		},
	})

	rec := do(r, http.MethodGet, "/cooperative", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Gateway Timeout", errorMessage(t, rec))

	start := time.Now()
	rec = do(r, http.MethodGet, "/blocking", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// The abandoned handler still holds its worker; the other one serves /patient.
	assert.Equal(t, 1, r.BridgeStats().Busy)

	rec = do(r, http.MethodGet, "/patient", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientDisconnectDiscardsResult(t *testing.T) {
	var records []metrics.RequestRecord
	var mu sync.Mutex
	sink := metrics.SinkFunc(func(rec metrics.RequestRecord) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})

	started := make(chan struct{})
	r := newTestRouter(t, RouterConfig{
		MetricsSink: sink,
		Routes: []RouteConfig{{
			Path:    "/slow",
			Methods: []HttpMethod{MethodGet},
			Handler: func(ctx context.Context, _ *envelope.Request) (any, error) {
				close(started)
				<-ctx.Done()
				return "too late", nil
			},
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	go func() {
		<-started
		cancel()
	}()
	r.ServeHTTP(rec, req)

	assert.Empty(t, rec.Body.String())
	assert.False(t, rec.Flushed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, StatusClientClosedRequest, records[0].Status)
	assert.Equal(t, "/slow", records[0].Route)
}

func TestPanicRecovery(t *testing.T) {
	routes := []RouteConfig{{
		Path:    "/panic",
		Methods: []HttpMethod{MethodGet},
		Handler: func(*envelope.Request) (any, error) {
			panic("kaboom")
		},
	}}

	core, logs := observer.New(zapcore.ErrorLevel)
	prod := newTestRouter(t, RouterConfig{Logger: zap.New(core), Routes: routes})

	rec := do(prod, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "kaboom")
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())

	dev := newTestRouter(t, RouterConfig{Environment: Development, Routes: routes})
	rec = do(dev, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "kaboom", body.Error.Detail)
	assert.NotEmpty(t, body.Error.Stack)
}

func TestMiddlewarePanicInPostHook(t *testing.T) {
	broken := middleware.Entry{
		Name: "broken",
		After: func(*envelope.Request, *envelope.Response) error {
			panic("post hook")
		},
	}
	r := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{
			Path:        "/x",
			Methods:     []HttpMethod{MethodGet},
			Middlewares: []middleware.Entry{broken},
			Handler:     ok("x"),
		}},
	})

	rec := do(r, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimitPrecedence(t *testing.T) {
	global := &ratelimit.Config{BucketName: "global", Limiter: ratelimit.NewTokenBucket(1, 0)}
	generous := &ratelimit.Config{BucketName: "generous", Limiter: ratelimit.NewTokenBucket(100, 0)}

	r := newTestRouter(t, RouterConfig{
		GlobalRateLimit: global,
		Routes: []RouteConfig{
			{Path: "/limited", Methods: []HttpMethod{MethodGet}, Handler: ok("a")},
			{Path: "/open", Methods: []HttpMethod{MethodGet}, RateLimit: generous, Handler: ok("b")},
		},
	})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/limited", "").Code)
	rec := do(r, http.MethodGet, "/limited", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	for range 3 {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/open", "").Code)
	}
}

func TestCachedResponsesStillRequireGuards(t *testing.T) {
	var calls atomic.Int32
	auth := middleware.Authentication(nil, &middleware.BearerTokenProvider{
		ValidTokens: map[string]*common.Claims{
			"admin-token":  {Subject: "ada", Roles: []string{"admin"}},
			"reader-token": {Subject: "bob", Roles: []string{"reader"}},
		},
	})
	c := cache.New(cache.NewMemoryStore(nil), cache.Config{TTL: time.Minute})
	r := newTestRouter(t, RouterConfig{
		Middlewares: []middleware.Entry{auth},
		Routes: []RouteConfig{{
			Path:        "/secret",
			Methods:     []HttpMethod{MethodGet},
			Guards:      []guard.Node{guard.Role("admin")},
			Middlewares: []middleware.Entry{c.Middleware()},
			Handler: func(*envelope.Request) (any, error) {
				calls.Add(1)
				return map[string]string{"secret": "42"}, nil
			},
		}},
	})

	rec := do(r, http.MethodGet, "/secret", "", "Authorization", "Bearer admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(cache.HeaderStatus))

	rec = do(r, http.MethodGet, "/secret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "42")

	rec = do(r, http.MethodGet, "/secret", "", "Authorization", "Bearer reader-token")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(r, http.MethodGet, "/secret", "", "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get(cache.HeaderStatus))
	assert.JSONEq(t, `{"secret":"42"}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolicyDenialIsNotAFailure(t *testing.T) {
	var seen *envelope.Request
	capture := middleware.Entry{
		Name:     "capture",
		Priority: 1,
		After: func(req *envelope.Request, _ *envelope.Response) error {
			seen = req
			return nil
		},
	}
	r := newTestRouter(t, RouterConfig{
		Middlewares:     []middleware.Entry{capture},
		GlobalRateLimit: &ratelimit.Config{BucketName: "tight", Limiter: ratelimit.NewTokenBucket(1, 0)},
		Routes:          []RouteConfig{{Path: "/books", Methods: []HttpMethod{MethodGet}, Handler: ok("books")}},
	})

	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/books", "").Code)
	rec := do(r, http.MethodGet, "/books", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, []envelope.State{
		envelope.StateMatching,
		envelope.StatePreMiddleware,
		envelope.StatePostMiddleware,
		envelope.StateResponding,
		envelope.StateResponded,
	}, seen.States())
}

func TestRequestScopeDisposal(t *testing.T) {
	type tx struct{ id int }
	var (
		mu       sync.Mutex
		outcomes []bool
		next     int
	)
	c := inject.NewContainer()
	require.NoError(t, c.Provide(inject.Provider{
		Name:  "tx",
		Scope: inject.Request,
		Build: func(context.Context, inject.Deps) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			next++
			return &tx{id: next}, nil
		},
		Dispose: func(_ context.Context, _ any, failed bool) error {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, failed)
			return nil
		},
	}))

	r := newTestRouter(t, RouterConfig{
		Container: c,
		Routes: []RouteConfig{{
			Path:    "/orders/{mode}",
			Methods: []HttpMethod{MethodPost},
			Depends: []string{"tx"},
			Handler: func(req *envelope.Request) (any, error) {
				if _, err := inject.Get[*tx](req, "tx"); err != nil {
					return nil, err
				}
				if req.Param("mode") == "fail" {
					return nil, common.NewHTTPError(http.StatusConflict, "conflict")
				}
				return envelope.NoContent(), nil
			},
		}},
	})

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/orders/ok", "").Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/orders/fail", "").Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, outcomes)
}

func TestRegistrationErrors(t *testing.T) {
	_, err := NewRouter(RouterConfig{
		Routes: []RouteConfig{
			{Path: "/users/{id}", Methods: []HttpMethod{MethodGet}, Handler: ok(1)},
			{Path: "/users/{uid}", Methods: []HttpMethod{MethodGet}, Handler: ok(2)},
		},
	})
	assert.ErrorIs(t, err, pathtree.ErrRouteConflict)

	_, err = NewRouter(RouterConfig{
		Routes: []RouteConfig{{Path: "/x", Methods: []HttpMethod{MethodGet}, Handler: 42}},
	})
	assert.Error(t, err)

	_, err = NewRouter(RouterConfig{
		Routes: []RouteConfig{{Path: "/x", Handler: ok(1)}},
	})
	assert.Error(t, err)
}

func TestFreezeValidatesDependencies(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		Container: inject.NewContainer(),
		Routes:    []RouteConfig{{Path: "/x", Methods: []HttpMethod{MethodGet}, Depends: []string{"db"}, Handler: ok(1)}},
	})
	assert.ErrorIs(t, r.Freeze(), inject.ErrUnknown)

	rec := do(r, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	noContainer := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{Path: "/x", Methods: []HttpMethod{MethodGet}, Depends: []string{"db"}, Handler: ok(1)}},
	})
	assert.Error(t, noContainer.Freeze())
}

func TestFreezeAndReload(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		Routes: []RouteConfig{{Path: "/v1", Methods: []HttpMethod{MethodGet}, Handler: ok("v1")}},
	})
	require.NoError(t, r.RegisterRoute(RouteConfig{Path: "/late", Methods: []HttpMethod{MethodGet}, Handler: ok("late")}))
	require.NoError(t, r.Freeze())

	err := r.RegisterRoute(RouteConfig{Path: "/later", Methods: []HttpMethod{MethodGet}, Handler: ok("later")})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.ErrorIs(t, r.RegisterBlueprint(BlueprintConfig{Prefix: "/bp"}), ErrFrozen)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/late", "").Code)

	require.NoError(t, r.Reload(func(g *Registrar) error {
		return g.RegisterRoute(RouteConfig{Path: "/v2", Methods: []HttpMethod{MethodGet}, Handler: ok("v2")})
	}))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v2", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/late", "").Code)

	err = r.Reload(func(g *Registrar) error {
		return g.RegisterRoute(RouteConfig{Path: "/v1", Methods: []HttpMethod{MethodGet}, Handler: ok("dup")})
	})
	assert.ErrorIs(t, err, pathtree.ErrRouteConflict)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v2", "").Code)
}

func TestBlueprintOverridesAndPrefixes(t *testing.T) {
	r := newTestRouter(t, RouterConfig{
		GlobalTimeout: time.Second,
		Blueprints: []BlueprintConfig{{
			Prefix:    "/api",
			Overrides: common.RouteOverrides{Timeout: 2 * time.Second, MaxBodySize: 10},
			Tags:      []string{"api"},
			Routes: []RouteConfig{
				{Path: "/a", Methods: []HttpMethod{MethodGet}, Handler: ok("a")},
				{Path: "/b", Methods: []HttpMethod{MethodGet}, Overrides: common.RouteOverrides{Timeout: 3 * time.Second}, Handler: ok("b")},
			},
			Children: []BlueprintConfig{{
				Prefix: "/v1",
				Tags:   []string{"v1"},
				Routes: []RouteConfig{{Path: "/c", Methods: []HttpMethod{MethodGet}, Handler: ok("c"), Summary: "nested"}},
			}},
		}},
	})

	byPath := map[string]RouteInfo{}
	for _, info := range r.Routes() {
		byPath[info.Path] = info
	}
	require.Len(t, byPath, 3)

	assert.Equal(t, 2*time.Second, byPath["/api/a"].Timeout)
	assert.Equal(t, int64(10), byPath["/api/a"].MaxBodySize)
	assert.Equal(t, 3*time.Second, byPath["/api/b"].Timeout)
	// Blueprint overrides are not inherited by children.
	assert.Equal(t, time.Second, byPath["/api/v1/c"].Timeout)
	assert.Equal(t, []string{"api", "v1"}, byPath["/api/v1/c"].Tags)
	assert.Equal(t, "nested", byPath["/api/v1/c"].Summary)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/c", "").Code)
}

func TestMiddlewareOrderAcrossLevels(t *testing.T) {
	var mu sync.Mutex
	var order []string
	entry := func(name string, priority int) middleware.Entry {
		return middleware.Entry{
			Name:     name,
			Priority: priority,
			Before: func(*envelope.Request) (*envelope.Response, error) {
				mu.Lock()
				order = append(order, "pre:"+name)
				mu.Unlock()
				return nil, nil
			},
			After: func(*envelope.Request, *envelope.Response) error {
				mu.Lock()
				order = append(order, "post:"+name)
				mu.Unlock()
				return nil
			},
		}
	}

	r := newTestRouter(t, RouterConfig{
		Middlewares: []middleware.Entry{entry("global", 20)},
		Blueprints: []BlueprintConfig{{
			Prefix:      "/bp",
			Middlewares: []middleware.Entry{entry("blueprint", 10)},
			Routes: []RouteConfig{{
				Path:        "/r",
				Methods:     []HttpMethod{MethodGet},
				Middlewares: []middleware.Entry{entry("route", 5)},
				Handler:     ok("r"),
			}},
		}},
	})

	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/bp/r", "").Code)
	assert.Equal(t, []string{
		"pre:route", "pre:blueprint", "pre:global",
		"post:global", "post:blueprint", "post:route",
	}, order)
}

func TestShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var hookCalls atomic.Int32

	r, err := NewRouter(RouterConfig{
		Logger: zap.NewNop(),
		OnShutdown: []Hook{func(context.Context) error {
			hookCalls.Add(1)
			return nil
		}},
		Routes: []RouteConfig{{
			Path:    "/work",
			Methods: []HttpMethod{MethodGet},
			Handler: func(*envelope.Request) (any, error) {
				close(started)
				<-release
				return "done", nil
			},
		}},
	})
	require.NoError(t, err)

	inflight := make(chan int, 1)
	go func() {
		inflight <- do(r, http.MethodGet, "/work", "").Code
	}()
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- r.Shutdown(context.Background())
	}()
	assert.Eventually(t, r.isShuttingDown, time.Second, 5*time.Millisecond)

	rec := do(r, http.MethodGet, "/work", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))

	close(release)
	assert.Equal(t, http.StatusOK, <-inflight)
	assert.NoError(t, <-shutdownErr)
	assert.Equal(t, int32(1), hookCalls.Load())

	assert.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.ErrorIs(t, r.Start(context.Background()), ErrShuttingDown)
}

func TestStartHooks(t *testing.T) {
	var calls []string
	r := newTestRouter(t, RouterConfig{
		OnStartup: []Hook{
			func(context.Context) error { calls = append(calls, "first"); return nil },
			func(context.Context) error { calls = append(calls, "second"); return nil },
		},
	})
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"first", "second"}, calls)

	failing := newTestRouter(t, RouterConfig{
		OnStartup: []Hook{func(context.Context) error { return errors.New("db down") }},
	})
	assert.EqualError(t, failing.Start(context.Background()), "db down")
}

func TestMetricsSinkSeesEveryRequest(t *testing.T) {
	var mu sync.Mutex
	var records []metrics.RequestRecord
	r := newTestRouter(t, RouterConfig{
		MetricsSink: metrics.SinkFunc(func(rec metrics.RequestRecord) {
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
		}),
		Routes: []RouteConfig{{Path: "/books/{id}", Methods: []HttpMethod{MethodGet}, Handler: ok(map[string]string{"id": "1"})}},
	})

	do(r, http.MethodGet, "/books/1", "")
	do(r, http.MethodGet, "/missing", "")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 2)
	assert.Equal(t, "/books/{id}", records[0].Route)
	assert.Equal(t, http.StatusOK, records[0].Status)
	assert.Equal(t, int64(len(`{"id":"1"}`)), records[0].ResponseSize)
	assert.Equal(t, metrics.UnmatchedRoute, records[1].Route)
	assert.Equal(t, http.StatusNotFound, records[1].Status)
}

func TestTraceLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newTestRouter(t, RouterConfig{
		Logger:              zap.New(core),
		EnableTraceLogging:  true,
		TraceLoggingUseInfo: true,
		TraceIDBufferSize:   4,
		Routes: []RouteConfig{
			{Path: "/ok", Methods: []HttpMethod{MethodGet}, Handler: ok("ok")},
			{Path: "/err", Methods: []HttpMethod{MethodGet}, Handler: func(*envelope.Request) (any, error) {
				return nil, common.NewHTTPError(http.StatusBadGateway, "upstream")
			}},
		},
	})

	do(r, http.MethodGet, "/ok", "")
	entries := logs.FilterMessage("Request metrics").AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/ok", fields["path"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.NotEmpty(t, fields["trace_id"])

	do(r, http.MethodGet, "/err", "")
	assert.Equal(t, 1, logs.FilterMessage("Server error").Len())
}

func TestConcurrentRequestsShareRouter(t *testing.T) {
	r := booksRouter(t, RouterConfig{Bridge: bridge.Config{Workers: 4, QueueSize: 64}})

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"title":"Book","author":"Author ` + string(rune('A'+i%26)) + `"}`
			rec := do(r, http.MethodPost, "/books", body)
			assert.Equal(t, http.StatusCreated, rec.Code)
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool {
		return r.BridgeStats().TasksCompleted == 32
	}, time.Second, 5*time.Millisecond)
}
