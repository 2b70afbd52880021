package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Response hint headers. Handlers set them to override the TTL or attach tags; they are
// stripped before the response is sent.
const (
	HeaderTTL    = "X-Cache-TTL"
	HeaderTags   = "X-Cache-Tags"
	HeaderStatus = "X-Cache"
)

// DefaultTTL is used when neither the config nor the response sets a TTL.
const DefaultTTL = 5 * time.Minute

// Config configures a Cache.
type Config struct {
	TTL          time.Duration // Default entry lifetime (default 5m)
	Methods      []string      // Cacheable methods (default GET and HEAD)
	VaryHeaders  []string      // Request headers that are part of the key
	ExcludePaths []string      // Path prefixes never cached
	Tags         []string      // Tags attached to every entry stored through this cache
	Logger       *zap.Logger
	Clock        clock.Clock
}

// Cache is a response cache over a Store.
type Cache struct {
	store Store
	cfg   Config
}

const keyKey = "sengine.cache.key"

// New creates a cache.
func New(store Store, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet, http.MethodHead}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Cache{store: store, cfg: cfg}
}

// Key builds the cache key of req: method, path, the query sorted by name and the
// configured vary headers.
func (c *Cache) Key(req *envelope.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)
	if q := req.QueryValues(); len(q) > 0 {
		// url.Values.Encode sorts by key.
		sorted := make(url.Values, len(q))
		for k, vs := range q {
			sorted[k] = slices.Sorted(slices.Values(vs))
		}
		b.WriteByte('?')
		b.WriteString(sorted.Encode())
	}
	for _, h := range c.cfg.VaryHeaders {
		b.WriteString("|")
		b.WriteString(strings.ToLower(h))
		b.WriteByte('=')
		b.WriteString(req.Header(h))
	}
	return b.String()
}

func (c *Cache) applies(req *envelope.Request) bool {
	if !slices.Contains(c.cfg.Methods, req.Method) {
		return false
	}
	for _, p := range c.cfg.ExcludePaths {
		if strings.HasPrefix(req.Path, p) {
			return false
		}
	}
	return !strings.Contains(strings.ToLower(req.Header("Cache-Control")), "no-store")
}

// Invalidate purges every entry tagged with one of tags, regardless of TTL.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) (int, error) {
	n, err := c.store.InvalidateTags(ctx, tags...)
	if err != nil {
		c.cfg.Logger.Error("Cache invalidation failed", zap.Strings("tags", tags), zap.Error(err))
		return n, err
	}
	c.cfg.Logger.Debug("Cache invalidated", zap.Strings("tags", tags), zap.Int("entries", n))
	return n, nil
}

// Middleware returns the chain entry. Hits short-circuit with the stored response, marked
// as replayed so the router applies the route's guards first; misses store eligible 200
// responses in the post-hook.
func (c *Cache) Middleware() middleware.Entry {
	return middleware.Entry{
		Name:     "cache",
		Priority: middleware.PriorityCache,
		Match:    c.applies,
		Before:   c.before,
		After:    c.after,
	}
}

func (c *Cache) before(req *envelope.Request) (*envelope.Response, error) {
	key := c.Key(req)
	e, err := c.store.Get(req.Context(), key)
	switch {
	case err == nil:
		resp := envelope.Bytes(e.Status, "", slices.Clone(e.Body))
		resp.Header = e.Header.Clone()
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		resp.Header.Set(HeaderStatus, "HIT")
		resp.Header.Set("Age", strconv.Itoa(int(c.cfg.Clock.Since(e.StoredAt).Seconds())))
		resp.MarkReplayed()
		return resp, nil
	case !errors.Is(err, ErrNotFound):
		// A failing backend degrades to uncached serving.
		c.cfg.Logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	req.Set(keyKey, key)
	return nil, nil
}

func (c *Cache) after(req *envelope.Request, resp *envelope.Response) error {
	ttl, tags := c.hints(resp)
	key, ok := envelope.Value[string](req, keyKey)
	if !ok {
		return nil
	}
	resp.Header.Set(HeaderStatus, "MISS")
	if resp.Status != http.StatusOK || strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store") {
		return nil
	}
	if resp.Kind() == envelope.KindValue {
		if err := resp.Finalize(req.Codecs()); err != nil {
			return err
		}
	}
	if resp.Kind() != envelope.KindBytes || ttl <= 0 {
		return nil
	}

	header := resp.Header.Clone()
	header.Del(HeaderStatus)
	e := &Entry{
		Status:   resp.Status,
		Header:   header,
		Body:     slices.Clone(resp.Body),
		Tags:     tags,
		StoredAt: c.cfg.Clock.Now(),
	}
	if err := c.store.Set(req.Context(), key, e, ttl); err != nil {
		c.cfg.Logger.Warn("Cache store failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// hints reads and strips the response cache hints.
func (c *Cache) hints(resp *envelope.Response) (time.Duration, []string) {
	ttl := c.cfg.TTL
	if v := resp.Header.Get(HeaderTTL); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			ttl = time.Duration(secs) * time.Second
		}
		resp.Header.Del(HeaderTTL)
	}
	tags := slices.Clone(c.cfg.Tags)
	if v := resp.Header.Get(HeaderTags); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" && !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
		resp.Header.Del(HeaderTags)
	}
	return ttl, tags
}
