// Package otel adapts SEngine's metrics sink to OpenTelemetry instruments, following the
// HTTP server semantic conventions for names and attributes.
package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	sengine_metrics "github.com/Suhaibinator/SEngine/pkg/metrics"
)

const scopeName = "github.com/Suhaibinator/SEngine/pkg/metrics/otel"

// Sink records requests with an OpenTelemetry meter.
type Sink struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
}

var _ sengine_metrics.Sink = (*Sink)(nil)

// NewSink creates the instruments on provider. A nil provider records nothing.
func NewSink(provider metric.MeterProvider) (*Sink, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(scopeName)

	requests, err := meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests handled"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64Histogram("http.server.response.body.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return &Sink{requests: requests, duration: duration, size: size}, nil
}

// Record implements metrics.Sink.
func (s *Sink) Record(rec sengine_metrics.RequestRecord) {
	route := rec.Route
	if route == "" {
		route = sengine_metrics.UnmatchedRoute
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("http.request.method", rec.Method),
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", rec.Status),
		attribute.Bool("error", rec.Status >= http.StatusInternalServerError),
	))

	ctx := context.Background()
	s.requests.Add(ctx, 1, attrs)
	s.duration.Record(ctx, rec.Duration.Seconds(), attrs)
	s.size.Record(ctx, rec.ResponseSize, attrs)
}
