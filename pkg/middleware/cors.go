package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

// CORSConfig defines the configuration for Cross-Origin Resource Sharing (CORS).
// It allows customization of which origins, methods, headers, and credentials are allowed
// for cross-origin requests, and which headers can be exposed to the client-side script.
type CORSConfig struct {
	Origins          []string      // Allowed origins (e.g., "http://example.com", "*"). Required.
	Methods          []string      // Allowed methods (e.g., "GET", "POST"). Defaults to simple methods if empty.
	Headers          []string      // Allowed headers. Defaults to simple headers if empty.
	ExposeHeaders    []string      // Headers the browser is allowed to access.
	AllowCredentials bool          // Whether to allow credentials (cookies, authorization headers).
	MaxAge           time.Duration // How long the results of a preflight request can be cached.
}

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost}
	defaultCORSHeaders = []string{"Accept", "Accept-Language", "Content-Language", "Content-Type"}
)

// CORS returns an entry that answers preflight requests itself and annotates every other
// cross-origin response. Preflights from disallowed origins are rejected with 403; other
// disallowed requests pass through without CORS headers, leaving enforcement to the browser.
func CORS(cfg CORSConfig) Entry {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")
	wildcard := slices.Contains(cfg.Origins, "*")

	allowedOrigin := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		if wildcard {
			// Credentials cannot be combined with "*", so the origin is echoed instead.
			if cfg.AllowCredentials {
				return origin, true
			}
			return "*", true
		}
		if slices.Contains(cfg.Origins, origin) {
			return origin, true
		}
		return "", false
	}

	annotate := func(h http.Header, origin string) {
		h.Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
		if cfg.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	}

	return Entry{
		Name:     "cors",
		Priority: PriorityCORS,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			if req.Method != http.MethodOptions || req.Header("Access-Control-Request-Method") == "" {
				return nil, nil
			}
			origin, ok := allowedOrigin(req.Header("Origin"))
			if !ok {
				return envelope.Text(http.StatusForbidden, "CORS origin not allowed"), nil
			}
			resp := envelope.NoContent()
			annotate(resp.Header, origin)
			resp.Header.Set("Access-Control-Allow-Methods", allowMethods)
			resp.Header.Set("Access-Control-Allow-Headers", allowHeaders)
			if cfg.MaxAge > 0 {
				resp.Header.Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
			}
			return resp, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			origin, ok := allowedOrigin(req.Header("Origin"))
			if !ok {
				return nil
			}
			annotate(resp.Header, origin)
			if expose != "" {
				resp.Header.Set("Access-Control-Expose-Headers", expose)
			}
			return nil
		},
	}
}
