// Package middleware provides the priority-ordered middleware chain and the built-in
// middleware entries of the SEngine framework (logging, request IDs, CORS, authentication,
// tracing and security headers). Rate limiting, circuit breaking, compression and caching
// live in sub-packages.
package middleware

import (
	"runtime/debug"
	"slices"
	"strings"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

// Suggested priorities for the built-in entries. Lower values run first on the way in
// and last on the way out.
const (
	PriorityRequestID   = 10
	PriorityTracing     = 15
	PriorityLogging     = 20
	PrioritySecurity    = 25
	PriorityCORS        = 30
	PriorityCompression = 40
	PriorityAuth        = 45
	PriorityRateLimit   = 50
	PriorityBreaker     = 60
	PriorityCache       = 70
	PriorityDefault     = 100
)

// Predicate decides whether an entry applies to a request.
type Predicate func(req *envelope.Request) bool

// BeforeFunc is a pre-hook. Returning a non-nil response short-circuits the request:
// no later entry and no handler run, and the response is sent through the post-hooks of
// the entries that already ran.
type BeforeFunc func(req *envelope.Request) (*envelope.Response, error)

// AfterFunc is a post-hook. It may inspect and mutate the response in place.
type AfterFunc func(req *envelope.Request, resp *envelope.Response) error

// Entry is one middleware in a chain. Before and After are both optional.
type Entry struct {
	Name     string
	Priority int
	Match    Predicate // nil applies the entry to every request
	Before   BeforeFunc
	After    AfterFunc
}

// PathPrefix returns a predicate matching requests whose path starts with one of the prefixes.
func PathPrefix(prefixes ...string) Predicate {
	return func(req *envelope.Request) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(req.Path, p) {
				return true
			}
		}
		return false
	}
}

// Methods returns a predicate matching the given request methods.
func Methods(methods ...string) Predicate {
	return func(req *envelope.Request) bool {
		return slices.Contains(methods, req.Method)
	}
}

// Chain is an immutable, priority-sorted list of entries. Entries with equal priority keep
// their registration order.
type Chain struct {
	entries []Entry
}

// NewChain sorts the entries by priority and freezes them.
func NewChain(entries ...Entry) *Chain {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return a.Priority - b.Priority
	})
	return &Chain{entries: sorted}
}

// Extend returns a new chain holding c's entries followed by more, re-sorted.
// Entries of c win ties against the new ones.
func (c *Chain) Extend(more ...Entry) *Chain {
	if c == nil {
		return NewChain(more...)
	}
	return NewChain(append(slices.Clone(c.entries), more...)...)
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Names returns the entry names in execution order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// Trace records which entries a request passed through on the way in.
type Trace struct {
	entered []int
}

// Entered returns how many entries completed their pre-phase.
func (t Trace) Entered() int {
	return len(t.entered)
}

// Before runs the pre-phase. It stops at the first entry that returns a response
// (short-circuit) or an error; that entry is not added to the trace. Panics in hooks are
// returned as *common.PanicError.
func (c *Chain) Before(req *envelope.Request) (*envelope.Response, Trace, error) {
	var tr Trace
	if c == nil {
		return nil, tr, nil
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.Match != nil && !e.Match(req) {
			continue
		}
		if e.Before != nil {
			resp, err := callBefore(e.Before, req)
			if err != nil {
				return nil, tr, err
			}
			if resp != nil {
				return resp, tr, nil
			}
		}
		tr.entered = append(tr.entered, i)
	}
	return nil, tr, nil
}

// After runs the post-hooks of the traced entries in reverse order. When a hook fails,
// onError builds the replacement response and the remaining (outer) hooks see that one.
func (c *Chain) After(req *envelope.Request, resp *envelope.Response, tr Trace, onError func(error) *envelope.Response) *envelope.Response {
	if c == nil {
		return resp
	}
	for j := len(tr.entered) - 1; j >= 0; j-- {
		e := &c.entries[tr.entered[j]]
		if e.After == nil {
			continue
		}
		if err := callAfter(e.After, req, resp); err != nil {
			resp = onError(err)
		}
	}
	return resp
}

func callBefore(fn BeforeFunc, req *envelope.Request) (resp *envelope.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, &common.PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(req)
}

func callAfter(fn AfterFunc, req *envelope.Request, resp *envelope.Response) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &common.PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(req, resp)
}
