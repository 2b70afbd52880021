package breaker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"go.uber.org/zap"
)

const doneKey = "sengine.breaker.done"

// Options configures the route middleware.
type Options struct {
	Logger *zap.Logger
	// Fallback builds the response sent while the breaker is open. The default is a
	// 503 error with Retry-After.
	Fallback func(req *envelope.Request) *envelope.Response
}

// Middleware returns a chain entry guarding a route with b. While the breaker is open the
// handler is not invoked. The outcome is classified by the final response status.
func Middleware(b *Breaker, opts Options) middleware.Entry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return middleware.Entry{
		Name:     "circuit_breaker",
		Priority: middleware.PriorityBreaker,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			done, err := b.Allow()
			if err != nil {
				logger.Warn("Circuit breaker rejected request",
					zap.String("breaker", b.Name()),
					zap.String("method", req.Method),
					zap.String("path", req.Path),
				)
				if opts.Fallback != nil {
					return opts.Fallback(req), nil
				}
				retry := int((b.RetryAfter() + time.Second - 1) / time.Second)
				return nil, &common.HTTPError{
					StatusCode: http.StatusServiceUnavailable,
					Message:    http.StatusText(http.StatusServiceUnavailable),
					Header:     http.Header{"Retry-After": []string{strconv.Itoa(max(retry, 1))}},
					Err:        ErrOpen,
				}
			}
			req.Set(doneKey, done)
			return nil, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			if done, ok := envelope.Value[func(bool)](req, doneKey); ok {
				done(!b.IsFailureStatus(resp.Status))
			}
			return nil
		},
	}
}
