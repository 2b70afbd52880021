// Package prometheus adapts SEngine's metrics sink to Prometheus collectors.
package prometheus

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sengine_metrics "github.com/Suhaibinator/SEngine/pkg/metrics"
)

// Config configures the Prometheus sink.
type Config struct {
	Namespace   string            // Metric namespace (e.g. "sengine")
	Subsystem   string            // Metric subsystem (e.g. "http")
	ConstLabels prometheus.Labels // Labels added to every series
	Buckets     []float64         // Latency buckets in seconds (default prometheus.DefBuckets)
	SizeBuckets []float64         // Response size buckets in bytes
}

// Sink records requests into Prometheus counters and histograms.
type Sink struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	size     *prometheus.HistogramVec
	gatherer prometheus.Gatherer
}

var _ sengine_metrics.Sink = (*Sink)(nil)

// NewSink registers the request collectors with registerer. When registerer also
// implements prometheus.Gatherer (as *prometheus.Registry does), Handler exposes it;
// otherwise Handler exposes prometheus.DefaultGatherer.
func NewSink(registerer prometheus.Registerer, cfg Config) (*Sink, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	if len(cfg.SizeBuckets) == 0 {
		cfg.SizeBuckets = prometheus.ExponentialBuckets(64, 4, 8)
	}

	s := &Sink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests",
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "route", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_errors_total",
			Help:        "Total number of requests answered with a 4xx or 5xx status",
			ConstLabels: cfg.ConstLabels,
		}, []string{"route", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_latency_seconds",
			Help:        "Request latency in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"method", "route"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "response_size_bytes",
			Help:        "Response body size in bytes",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.SizeBuckets,
		}, []string{"route"}),
		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}

	for _, c := range []prometheus.Collector{s.requests, s.errors, s.latency, s.size} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record implements metrics.Sink.
func (s *Sink) Record(rec sengine_metrics.RequestRecord) {
	route := rec.Route
	if route == "" {
		route = sengine_metrics.UnmatchedRoute
	}
	status := strconv.Itoa(rec.Status)

	s.requests.WithLabelValues(rec.Method, route, status).Inc()
	s.latency.WithLabelValues(rec.Method, route).Observe(rec.Duration.Seconds())
	s.size.WithLabelValues(route).Observe(float64(rec.ResponseSize))
	if rec.Status >= 400 {
		s.errors.WithLabelValues(route, status).Inc()
	}
}

// Handler returns the HTTP handler serving the gathered metrics in the Prometheus text
// format. Mount it on a route or a separate listener.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
