// Package guard implements route guards: small authorization predicates combined into an
// immutable expression tree (And, Or, Not) and evaluated with short-circuiting.
//
// Guards only read the claims stored on the request by authentication middleware. A guard
// that returns an error or panics denies the request; errors never let a request through.
package guard

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

// Outcome is the tri-state result of a guard.
type Outcome int

const (
	Allow Outcome = iota
	Deny
	Error
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "error"
	}
}

// Result is the outcome of evaluating a guard.
type Result struct {
	Outcome Outcome
	Reason  string
	Status  int   // Response status for Deny and Error results
	Err     error // Cause of an Error result
}

// Allowed is the Allow result.
var Allowed = Result{Outcome: Allow}

// Denied returns a Deny result.
func Denied(status int, reason string) Result {
	return Result{Outcome: Deny, Status: status, Reason: reason}
}

// Unauthorized returns a 401 Deny result.
func Unauthorized() Result {
	return Denied(http.StatusUnauthorized, "Authentication required")
}

// Forbidden returns a 403 Deny result.
func Forbidden(reason string) Result {
	return Denied(http.StatusForbidden, reason)
}

// Failed returns an Error result.
func Failed(err error) Result {
	return Result{Outcome: Error, Status: http.StatusForbidden, Reason: "Guard error", Err: err}
}

// HTTPError converts a non-allow result into the error the dispatcher renders.
func (r Result) HTTPError() *common.HTTPError {
	if r.Outcome == Allow {
		return nil
	}
	status := r.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	msg := r.Reason
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &common.HTTPError{StatusCode: status, Message: msg, Err: r.Err}
}

// Node is a guard expression. Nodes are immutable and safe to share between routes.
type Node interface {
	eval(req *envelope.Request) Result
	String() string
}

// CheckFunc is a leaf guard.
type CheckFunc func(req *envelope.Request) Result

type check struct {
	name string
	fn   CheckFunc
}

func (c check) eval(req *envelope.Request) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Failed(&common.PanicError{Value: rec, Stack: debug.Stack()})
		}
	}()
	res = c.fn(req)
	if res.Outcome == Error && res.Err == nil {
		res.Err = fmt.Errorf("guard %s failed", c.name)
	}
	return res
}

func (c check) String() string { return c.name }

// Check wraps fn as a named leaf guard.
func Check(name string, fn CheckFunc) Node {
	return check{name: name, fn: fn}
}

// Func adapts a boolean predicate. false denies with 403; a non-nil error yields Error.
func Func(name string, fn func(req *envelope.Request) (bool, error)) Node {
	return Check(name, func(req *envelope.Request) Result {
		ok, err := fn(req)
		switch {
		case err != nil:
			return Failed(err)
		case !ok:
			return Forbidden("Access denied")
		default:
			return Allowed
		}
	})
}

type and []Node

func (a and) eval(req *envelope.Request) Result {
	for _, n := range a {
		if res := n.eval(req); res.Outcome != Allow {
			return res
		}
	}
	return Allowed
}

func (a and) String() string { return join("AND", a) }

type or []Node

func (o or) eval(req *envelope.Request) Result {
	var last Result
	for _, n := range o {
		res := n.eval(req)
		switch res.Outcome {
		case Allow:
			return res
		case Error:
			return res
		}
		last = res
	}
	if len(o) == 0 {
		return Forbidden("No guard allowed the request")
	}
	return last
}

func (o or) String() string { return join("OR", o) }

type not struct{ n Node }

func (n not) eval(req *envelope.Request) Result {
	res := n.n.eval(req)
	switch res.Outcome {
	case Allow:
		return Forbidden("Guard succeeded but was expected to fail")
	case Deny:
		return Allowed
	default:
		return res
	}
}

func (n not) String() string { return "NOT " + n.n.String() }

// And allows when every node allows, stopping at the first non-allow result.
func And(nodes ...Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	return and(append([]Node(nil), nodes...))
}

// Or allows when any node allows. Evaluation stops at the first allow; an error is
// decisive. When every node denies the last denial is returned.
func Or(nodes ...Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	return or(append([]Node(nil), nodes...))
}

// Not inverts a node. Errors propagate unchanged.
func Not(n Node) Node {
	return not{n: n}
}

func join(op string, nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// Evaluate runs the expression against req. A nil node allows.
func Evaluate(n Node, req *envelope.Request) Result {
	if n == nil {
		return Allowed
	}
	return n.eval(req)
}

// All combines guard lists from several levels (global, blueprint, route) into one
// conjunction, skipping nil entries. It returns nil when nothing is left.
func All(nodes ...Node) Node {
	kept := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return And(kept...)
}
