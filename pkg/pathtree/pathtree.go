// Package pathtree implements the segment tree that maps request paths to registered routes.
//
// Every node holds a map of static children, at most one parameter child and at most one
// wildcard child. Lookups prefer static edges, then the parameter edge, then the wildcard,
// so the cost of a match depends on the depth of the path and not on the number of routes.
//
// A Tree is built during a single-threaded registration phase and is read-only afterwards;
// concurrent Match calls need no locking once registration has finished.
package pathtree

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

var (
	// ErrRouteConflict is returned when a (method, normalized pattern) pair is registered twice.
	ErrRouteConflict = errors.New("route conflict")

	// ErrInvalidPattern is returned for malformed route patterns.
	ErrInvalidPattern = errors.New("invalid route pattern")
)

// ConflictError describes a rejected registration.
type ConflictError struct {
	Method   string
	Pattern  string // pattern being registered
	Existing string // pattern that already owns the slot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s %s collides with %s", e.Method, e.Pattern, e.Existing)
}

// Unwrap allows errors.Is(err, ErrRouteConflict).
func (e *ConflictError) Unwrap() error {
	return ErrRouteConflict
}

// RouteID identifies a registered route. IDs are dense and start at zero.
type RouteID int

// Status is the outcome of a Match.
type Status int

const (
	// NotFound means no registered pattern matches the path.
	NotFound Status = iota
	// Found means a route matched both path and method.
	Found
	// MethodNotAllowed means the path matched but not for the requested method.
	MethodNotAllowed
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case MethodNotAllowed:
		return "method_not_allowed"
	default:
		return "not_found"
	}
}

// Param is a single captured path parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of captured path parameters with unique keys.
type Params []Param

// Get returns the value of the named parameter, or "" if absent.
func (ps Params) Get(name string) string {
	for _, p := range ps {
		if p.Key == name {
			return p.Value
		}
	}
	return ""
}

// Map returns the parameters as a map.
func (ps Params) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Key] = p.Value
	}
	return m
}

// Match is the result of looking up a request.
type Match struct {
	Status  Status
	Route   RouteID
	Pattern string   // registered pattern of the matched route
	Params  Params   // captured parameters, in path order
	Allowed []string // sorted methods for the Allow header when Status is MethodNotAllowed
}

type leaf struct {
	id      RouteID
	pattern string
	names   []string // parameter names in positional order
}

type node struct {
	static   map[string]*node
	param    *node
	wildcard *node
	methods  map[string]*leaf
}

func (n *node) lookup(method string) *leaf {
	if l, ok := n.methods[method]; ok {
		return l
	}
	if method == http.MethodHead {
		return n.methods[http.MethodGet]
	}
	return nil
}

// Tree is the route matcher.
type Tree struct {
	root   *node
	count  int
	routes map[string]string // "METHOD normalized" -> registered pattern
}

// New returns an empty tree.
func New() *Tree {
	t := &Tree{}
	t.Reset()
	return t
}

// Reset discards every registration so the tree can be rebuilt.
func (t *Tree) Reset() {
	t.root = &node{}
	t.count = 0
	t.routes = make(map[string]string)
}

// Len returns the number of registered (method, pattern) pairs.
func (t *Tree) Len() int {
	return t.count
}

// Register adds a (pattern, method) pair and returns the new route's ID.
// It fails with ErrRouteConflict when an equivalent pair already exists.
func (t *Tree) Register(pattern, method string) (RouteID, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return 0, fmt.Errorf("%w: empty method for %q", ErrInvalidPattern, pattern)
	}
	cleaned, segs, err := parsePattern(pattern)
	if err != nil {
		return 0, err
	}

	key := method + " " + normalized(segs)
	if existing, ok := t.routes[key]; ok {
		return 0, &ConflictError{Method: method, Pattern: cleaned, Existing: existing}
	}

	current := t.root
	names := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s.kind {
		case segStatic:
			if current.static == nil {
				current.static = make(map[string]*node)
			}
			child, ok := current.static[s.value]
			if !ok {
				child = &node{}
				current.static[s.value] = child
			}
			current = child
		case segParam:
			if current.param == nil {
				current.param = &node{}
			}
			current = current.param
			names = append(names, s.value)
		case segWildcard:
			if current.wildcard == nil {
				current.wildcard = &node{}
			}
			current = current.wildcard
			names = append(names, s.value)
		}
	}

	if current.methods == nil {
		current.methods = make(map[string]*leaf)
	}
	id := RouteID(t.count)
	current.methods[method] = &leaf{id: id, pattern: cleaned, names: names}
	t.routes[key] = cleaned
	t.count++
	return id, nil
}

// Match resolves a request path and method.
func (t *Tree) Match(path, method string) Match {
	path = CleanPath(path)
	var segs []string
	if path != "/" {
		segs = strings.Split(path[1:], "/")
	}

	m := matcher{segs: segs, method: method}
	if l := m.walk(t.root, 0); l != nil {
		params := make(Params, len(l.names))
		for i, name := range l.names {
			params[i] = Param{Key: name, Value: m.values[i]}
		}
		return Match{Status: Found, Route: l.id, Pattern: l.pattern, Params: params}
	}
	if len(m.allowed) > 0 {
		return Match{Status: MethodNotAllowed, Allowed: m.allowedMethods()}
	}
	return Match{Status: NotFound}
}

// matcher carries the state of one lookup.
type matcher struct {
	segs    []string
	method  string
	values  []string
	allowed map[string]struct{}
}

func (m *matcher) walk(n *node, i int) *leaf {
	if i == len(m.segs) {
		return m.terminal(n)
	}
	seg := m.segs[i]

	if child, ok := n.static[seg]; ok {
		if l := m.walk(child, i+1); l != nil {
			return l
		}
	}
	if n.param != nil && seg != "" {
		m.values = append(m.values, seg)
		if l := m.walk(n.param, i+1); l != nil {
			return l
		}
		m.values = m.values[:len(m.values)-1]
	}
	if n.wildcard != nil {
		m.values = append(m.values, strings.Join(m.segs[i:], "/"))
		if l := m.terminal(n.wildcard); l != nil {
			return l
		}
		m.values = m.values[:len(m.values)-1]
	}
	return nil
}

func (m *matcher) terminal(n *node) *leaf {
	if len(n.methods) == 0 {
		return nil
	}
	if l := n.lookup(m.method); l != nil {
		return l
	}
	if m.allowed == nil {
		m.allowed = make(map[string]struct{})
	}
	for method := range n.methods {
		m.allowed[method] = struct{}{}
		if method == http.MethodGet {
			m.allowed[http.MethodHead] = struct{}{}
		}
	}
	return nil
}

func (m *matcher) allowedMethods() []string {
	out := make([]string, 0, len(m.allowed))
	for method := range m.allowed {
		out = append(out, method)
	}
	slices.Sort(out)
	return out
}
