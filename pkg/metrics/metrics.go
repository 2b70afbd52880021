// Package metrics defines the per-request metrics sink the router reports to. The
// framework only produces RequestRecords; adapters in the prometheus and otel
// sub-packages turn them into instruments.
package metrics

import (
	"math/rand/v2"
	"time"
)

// UnmatchedRoute is the route label used for requests that matched no route (404/405).
// It keeps arbitrary client paths out of metric labels.
const UnmatchedRoute = "unmatched"

// RequestRecord describes one finished request.
type RequestRecord struct {
	Method       string
	Route        string        // Registered pattern, or UnmatchedRoute
	Status       int           // Status written, 499 when the client went away first
	Duration     time.Duration // Time from accept to the last byte written
	ResponseSize int64         // Body bytes written
}

// Sink receives a record for every request the router handles.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(rec RequestRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec RequestRecord)

// Record implements Sink.
func (f SinkFunc) Record(rec RequestRecord) { f(rec) }

// Filter selects which records reach a sink.
type Filter interface {
	// Filter returns true if the record should be collected.
	Filter(rec RequestRecord) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(rec RequestRecord) bool

// Filter implements Filter.
func (f FilterFunc) Filter(rec RequestRecord) bool { return f(rec) }

// Sampler decides whether a record is sampled.
type Sampler interface {
	// Sample returns true if the record should be sampled.
	Sample() bool
}

// RandomSampler samples records with a fixed probability.
type RandomSampler struct {
	rate float64
}

// NewRandomSampler creates a sampler keeping roughly rate (0..1) of the records.
func NewRandomSampler(rate float64) *RandomSampler {
	return &RandomSampler{rate: rate}
}

// Sample implements Sampler.
func (s *RandomSampler) Sample() bool {
	if s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	return rand.Float64() < s.rate
}

// Filtered returns a sink forwarding to sink only the records accepted by filter.
func Filtered(sink Sink, filter Filter) Sink {
	return SinkFunc(func(rec RequestRecord) {
		if filter.Filter(rec) {
			sink.Record(rec)
		}
	})
}

// Sampled returns a sink forwarding to sink only the records picked by sampler.
func Sampled(sink Sink, sampler Sampler) Sink {
	return SinkFunc(func(rec RequestRecord) {
		if sampler.Sample() {
			sink.Record(rec)
		}
	})
}

// Multi fans every record out to all sinks, in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return SinkFunc(func(rec RequestRecord) {
		for _, s := range kept {
			s.Record(rec)
		}
	})
}

// Nop discards every record.
var Nop Sink = SinkFunc(func(RequestRecord) {})
