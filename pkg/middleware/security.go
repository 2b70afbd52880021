package middleware

import (
	"strconv"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

// SecurityConfig lists the protective response headers to set. Empty values are skipped.
type SecurityConfig struct {
	ContentTypeOptions    string        // X-Content-Type-Options
	FrameOptions          string        // X-Frame-Options
	ReferrerPolicy        string        // Referrer-Policy
	ContentSecurityPolicy string        // Content-Security-Policy
	HSTSMaxAge            time.Duration // Strict-Transport-Security max-age (0 disables)
	HSTSIncludeSubdomains bool
}

// DefaultSecurityConfig returns conservative defaults suitable for JSON APIs.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentTypeOptions: "nosniff",
		FrameOptions:       "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
}

// SecurityHeaders returns an entry that adds the configured headers to every response
// unless the handler already set them.
func SecurityHeaders(cfg SecurityConfig) Entry {
	headers := map[string]string{
		"X-Content-Type-Options":  cfg.ContentTypeOptions,
		"X-Frame-Options":         cfg.FrameOptions,
		"Referrer-Policy":         cfg.ReferrerPolicy,
		"Content-Security-Policy": cfg.ContentSecurityPolicy,
	}
	if cfg.HSTSMaxAge > 0 {
		v := "max-age=" + strconv.Itoa(int(cfg.HSTSMaxAge.Seconds()))
		if cfg.HSTSIncludeSubdomains {
			v += "; includeSubDomains"
		}
		headers["Strict-Transport-Security"] = v
	}
	for k, v := range headers {
		if v == "" {
			delete(headers, k)
		}
	}
	return Entry{
		Name:     "security_headers",
		Priority: PrioritySecurity,
		After: func(_ *envelope.Request, resp *envelope.Response) error {
			for k, v := range headers {
				if resp.Header.Get(k) == "" {
					resp.Header.Set(k, v)
				}
			}
			return nil
		},
	}
}
