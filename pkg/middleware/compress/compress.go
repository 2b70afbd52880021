// Package compress provides response compression (brotli and gzip) as a post-hook. It
// works on buffered responses, so streams and files pass through untouched.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// Encodings.
const (
	Brotli = "br"
	Gzip   = "gzip"
)

// DefaultMinSize is the smallest body that is compressed.
const DefaultMinSize = 1024

// Config configures the compression entry.
type Config struct {
	MinSize             int      // Minimum body size in bytes (default 1024, negative disables the threshold)
	GzipLevel           int      // gzip level (default gzip.DefaultCompression)
	BrotliLevel         int      // brotli level 0-11 (default 4, suited to dynamic content)
	DisableBrotli       bool     // Only offer gzip
	ExcludeContentTypes []string // Extra media types or type prefixes ("video/") never compressed
	Logger              *zap.Logger
}

// alreadyCompressed lists media types whose payload is compressed by its format.
var alreadyCompressed = []string{
	"image/", "video/", "audio/",
	"application/zip", "application/gzip", "application/x-gzip", "application/x-bzip2",
	"application/x-7z-compressed", "application/x-rar-compressed", "application/x-xz",
	"application/zstd", "application/pdf", "font/woff", "font/woff2",
}

type compressor struct {
	cfg     Config
	exclude []string
	gzip    sync.Pool
	brotli  sync.Pool
}

// Middleware returns a chain entry compressing eligible responses.
func Middleware(cfg Config) middleware.Entry {
	if cfg.MinSize == 0 {
		cfg.MinSize = DefaultMinSize
	}
	if cfg.GzipLevel == 0 {
		cfg.GzipLevel = gzip.DefaultCompression
	}
	if cfg.BrotliLevel == 0 {
		cfg.BrotliLevel = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &compressor{cfg: cfg, exclude: append(append([]string(nil), alreadyCompressed...), cfg.ExcludeContentTypes...)}
	c.gzip.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, cfg.GzipLevel)
		if err != nil {
			w = gzip.NewWriter(io.Discard)
		}
		return w
	}
	c.brotli.New = func() any {
		return brotli.NewWriterLevel(io.Discard, cfg.BrotliLevel)
	}

	return middleware.Entry{
		Name:     "compression",
		Priority: middleware.PriorityCompression,
		After:    c.after,
	}
}

func (c *compressor) after(req *envelope.Request, resp *envelope.Response) error {
	if resp.Kind() == envelope.KindValue {
		if err := resp.Finalize(req.Codecs()); err != nil {
			return err
		}
	}
	if !c.eligible(resp) {
		return nil
	}
	resp.Header.Add("Vary", "Accept-Encoding")

	encoding := Negotiate(req.Header("Accept-Encoding"), c.offers())
	if encoding == "" {
		return nil
	}
	compressed, err := c.encode(encoding, resp.Body)
	if err != nil {
		c.cfg.Logger.Error("Failed to compress response", zap.String("encoding", encoding), zap.Error(err))
		return nil
	}
	if len(compressed) >= len(resp.Body) {
		return nil
	}
	resp.SetBody(compressed)
	resp.Header.Set("Content-Encoding", encoding)
	resp.Header.Del("Content-Length")
	return nil
}

func (c *compressor) eligible(resp *envelope.Response) bool {
	if resp.Kind() != envelope.KindBytes || len(resp.Body) == 0 {
		return false
	}
	if resp.Status < 200 || resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified ||
		resp.Status == http.StatusPartialContent {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	if c.cfg.MinSize > 0 && len(resp.Body) < c.cfg.MinSize {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return true
	}
	for _, ex := range c.exclude {
		if mediaType == ex || (strings.HasSuffix(ex, "/") && strings.HasPrefix(mediaType, ex)) {
			return false
		}
	}
	return true
}

func (c *compressor) offers() []string {
	if c.cfg.DisableBrotli {
		return []string{Gzip}
	}
	return []string{Brotli, Gzip}
}

func (c *compressor) encode(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(body) / 2)
	switch encoding {
	case Brotli:
		w := c.brotli.Get().(*brotli.Writer)
		defer c.brotli.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		w := c.gzip.Get().(*gzip.Writer)
		defer c.gzip.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Negotiate picks the offered encoding with the highest q-value in an Accept-Encoding
// header. Ties go to the earlier offer; "*" matches offers not listed explicitly; q=0
// refuses an encoding. It returns "" when nothing acceptable is offered.
func Negotiate(header string, offers []string) string {
	if header == "" {
		return ""
	}
	explicit := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			q = parsed
		}
		if name == "*" {
			wildcard = q
			continue
		}
		explicit[name] = q
	}

	best, bestQ := "", 0.0
	for _, offer := range offers {
		q, ok := explicit[offer]
		if !ok {
			if wildcard < 0 {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = offer, q
		}
	}
	return best
}
