package ratelimit

import (
	"errors"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"go.uber.org/zap"
)

// Strategy selects how requests are grouped into rate limit keys.
type Strategy int

const (
	// StrategyIP uses the client IP resolved by the router.
	StrategyIP Strategy = iota
	// StrategyUser uses the authenticated subject and falls back to the client IP.
	StrategyUser
	// StrategyCustom uses Config.KeyExtractor.
	StrategyCustom
)

func (s Strategy) String() string {
	switch s {
	case StrategyIP:
		return "ip"
	case StrategyUser:
		return "user"
	case StrategyCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ErrKeyExtractor is returned when StrategyCustom is used without a usable extractor.
var ErrKeyExtractor = errors.New("ratelimit: custom strategy requires a key extractor returning a non-empty key")

// Config defines a rate limit policy.
type Config struct {
	BucketName      string                                                     // Namespace for keys; routes sharing a name share budgets
	Limiter         Limiter                                                    // Required
	Strategy        Strategy                                                   // Key strategy (default StrategyIP)
	KeyExtractor    func(req *envelope.Request) (string, error)                // Used by StrategyCustom
	ExceededHandler func(req *envelope.Request, d Decision) *envelope.Response // Optional custom 429 response; nil falls back to *ExceededError
}

const (
	decisionKey = "sengine.ratelimit.decision"
	startKey    = "sengine.ratelimit.start"
)

// Key computes the rate limit key for req under cfg's strategy, without the bucket prefix.
func Key(cfg *Config, req *envelope.Request) (string, error) {
	switch cfg.Strategy {
	case StrategyUser:
		if claims, ok := req.Claims(); ok && claims.Subject != "" {
			return "user:" + claims.Subject, nil
		}
		return "ip:" + req.ClientIP(), nil
	case StrategyCustom:
		if cfg.KeyExtractor == nil {
			return "", ErrKeyExtractor
		}
		key, err := cfg.KeyExtractor(req)
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", ErrKeyExtractor
		}
		return key, nil
	default:
		return "ip:" + req.ClientIP(), nil
	}
}

// Middleware returns a chain entry enforcing cfg. Rejected requests fail with
// *ExceededError (429) unless cfg.ExceededHandler supplies a response.
func Middleware(cfg *Config, logger *zap.Logger) middleware.Entry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil || cfg.Limiter == nil {
		return middleware.Entry{Name: "rate_limit", Priority: middleware.PriorityRateLimit}
	}
	observer, adaptive := cfg.Limiter.(LatencyObserver)

	return middleware.Entry{
		Name:     "rate_limit",
		Priority: middleware.PriorityRateLimit,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			key, err := Key(cfg, req)
			if err != nil {
				logger.Error("Failed to extract rate limit key",
					zap.Error(err),
					zap.String("method", req.Method),
					zap.String("path", req.Path),
				)
				return nil, err
			}

			d := cfg.Limiter.Allow(req.Context(), cfg.BucketName+":"+key)
			if !d.Allowed {
				logger.Warn("Rate limit exceeded",
					zap.String("bucket", cfg.BucketName),
					zap.String("key", key),
					zap.String("strategy", cfg.Strategy.String()),
					zap.Int("limit", d.Limit),
					zap.Duration("retry_after", d.RetryAfter),
					zap.String("method", req.Method),
					zap.String("path", req.Path),
				)
				if cfg.ExceededHandler != nil {
					if resp := cfg.ExceededHandler(req, d); resp != nil {
						setHeaders(resp.Header, d)
						return resp, nil
					}
				}
				return nil, &ExceededError{Bucket: cfg.BucketName, Key: key, Decision: d}
			}

			req.Set(decisionKey, d)
			if adaptive {
				req.Set(startKey, time.Now())
			}
			return nil, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			if d, ok := envelope.Value[Decision](req, decisionKey); ok {
				setHeaders(resp.Header, d)
			}
			if adaptive {
				if start, ok := envelope.Value[time.Time](req, startKey); ok {
					observer.Observe(time.Since(start))
				}
			}
			return nil
		},
	}
}
