package middleware

import (
	"net/http"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const spanKey = "sengine.middleware.span"

// TracingConfig configures the tracing entry.
type TracingConfig struct {
	TracerProvider trace.TracerProvider       // Required
	Propagator     propagation.TextMapPropagator // Defaults to W3C trace context + baggage
	ServiceName    string                     // Instrumentation scope name (default "sengine")
}

// Tracing returns an entry that opens a server span per request, continuing any trace
// context sent by the client, and records the response status on it.
func Tracing(cfg TracingConfig) Entry {
	if cfg.Propagator == nil {
		cfg.Propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sengine"
	}
	tracer := cfg.TracerProvider.Tracer(cfg.ServiceName)

	return Entry{
		Name:     "tracing",
		Priority: PriorityTracing,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			ctx := cfg.Propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Headers()))
			name := req.Method + " " + req.Route
			ctx, span := tracer.Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", req.Route),
					attribute.String("url.path", req.Path),
					attribute.String("client.address", req.ClientIP()),
				),
			)
			req.SetContext(ctx)
			req.Set(spanKey, span)
			return nil, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			span, ok := envelope.Value[trace.Span](req, spanKey)
			if !ok {
				return nil
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
			if resp.Status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(resp.Status))
			}
			span.End()
			return nil
		},
	}
}
