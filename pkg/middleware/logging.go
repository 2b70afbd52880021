package middleware

import (
	"time"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/scontext"
	"go.uber.org/zap"
)

const startTimeKey = "sengine.middleware.start"

// SlowRequestThreshold is the duration above which successful requests are logged at Warn level.
var SlowRequestThreshold = time.Second

// Logging returns an entry that logs every request that reaches the chain.
// The log level is determined by the status code and duration:
// - 500+ status codes are logged at Error level
// - 400-499 status codes are logged at Warn level
// - Requests taking longer than SlowRequestThreshold are logged at Warn level
// - All other requests are logged at Debug level
func Logging(logger *zap.Logger) Entry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Entry{
		Name:     "logging",
		Priority: PriorityLogging,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			req.Set(startTimeKey, time.Now())
			return nil, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			var duration time.Duration
			if start, ok := envelope.Value[time.Time](req, startTimeKey); ok {
				duration = time.Since(start)
			}

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.String("route", req.Route),
				zap.Int("status", resp.Status),
				zap.Duration("duration", duration),
				zap.String("ip", req.ClientIP()),
			}
			if traceID := scontext.GetTraceID(req.Context()); traceID != "" {
				fields = append([]zap.Field{zap.String("trace_id", traceID)}, fields...)
			}

			switch {
			case resp.Status >= 500:
				logger.Error("Server error", fields...)
			case resp.Status >= 400:
				logger.Warn("Client error", fields...)
			case duration > SlowRequestThreshold:
				logger.Warn("Slow request", fields...)
			default:
				logger.Debug("Request", fields...)
			}
			return nil
		},
	}
}
