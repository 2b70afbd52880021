package common

import "time"

// RouteOverrides contains settings that can be overridden at different levels (global, blueprint, route).
// These overrides follow a hierarchy where the most specific setting takes precedence.
type RouteOverrides struct {
	// Timeout overrides the default timeout for requests.
	// A zero value means no override is set.
	Timeout time.Duration

	// MaxBodySize overrides the maximum allowed request body size in bytes.
	// A zero value means no override is set.
	MaxBodySize int64
}

// HasTimeout returns true if a timeout override is set (non-zero).
func (ro *RouteOverrides) HasTimeout() bool {
	return ro.Timeout > 0
}

// HasMaxBodySize returns true if a max body size override is set (non-zero).
func (ro *RouteOverrides) HasMaxBodySize() bool {
	return ro.MaxBodySize > 0
}

// Resolve returns the effective overrides, taking each setting from the first level
// (most specific first) that sets it.
func Resolve(levels ...RouteOverrides) RouteOverrides {
	var out RouteOverrides
	for _, l := range levels {
		if !out.HasTimeout() && l.HasTimeout() {
			out.Timeout = l.Timeout
		}
		if !out.HasMaxBodySize() && l.HasMaxBodySize() {
			out.MaxBodySize = l.MaxBodySize
		}
	}
	return out
}
