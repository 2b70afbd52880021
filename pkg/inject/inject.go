// Package inject resolves named route dependencies.
//
// Providers are registered on a Container before the router starts. Freeze validates the
// graph once: every dependency must be registered, a singleton may only depend on other
// singletons and the graph must be acyclic. At request time a Scope builds what a route
// needs, sharing request-scoped values between dependents and disposing them in reverse
// creation order once the response is known.
package inject

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Lifetime controls how often a provider's value is built.
type Lifetime int

const (
	// Singleton values are built once per process and shared.
	Singleton Lifetime = iota
	// Request values are built once per request and shared by its dependents.
	Request
	// Transient values are built fresh for every injection point.
	Transient
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Request:
		return "request"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Deps holds the resolved dependencies passed to a provider.
type Deps map[string]any

// Provider builds a named dependency.
type Provider struct {
	Name  string
	Scope Lifetime
	Needs []string // Names of the dependencies passed to Build
	Build func(ctx context.Context, deps Deps) (any, error)
	// Dispose releases a value. failed reports whether the request ended with an error
	// status, letting transactional values roll back instead of committing.
	Dispose func(ctx context.Context, v any, failed bool) error
}

var (
	// ErrFrozen is returned when registering after Freeze.
	ErrFrozen = errors.New("inject: container is frozen")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("inject: provider already registered")
	// ErrUnknown is returned when resolving a name nobody provides.
	ErrUnknown = errors.New("inject: unknown dependency")
)

// MissingError reports a provider needing an unregistered dependency.
type MissingError struct {
	Provider string
	Need     string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("inject: %q needs unregistered dependency %q", e.Provider, e.Need)
}

func (e *MissingError) Unwrap() error { return ErrUnknown }

// ScopeError reports a singleton depending on a shorter-lived value.
type ScopeError struct {
	Provider  string
	Need      string
	NeedScope Lifetime
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("inject: singleton %q cannot depend on %s-scoped %q", e.Provider, e.NeedScope, e.Need)
}

// CycleError reports a dependency cycle. Path starts and ends with the same name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "inject: dependency cycle: " + strings.Join(e.Path, " -> ")
}

type singleton struct {
	mu    sync.Mutex
	built bool
	value any
	err   error
}

// Container holds providers and singleton values.
type Container struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	names     []string
	frozen    bool
	freezeErr error

	singletons map[string]*singleton

	orderMu sync.Mutex
	built   []string // singleton names in build order
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{providers: make(map[string]*Provider), singletons: make(map[string]*singleton)}
}

// Provide registers a provider.
func (c *Container) Provide(p Provider) error {
	if p.Name == "" {
		return errors.New("inject: provider name is required")
	}
	if p.Build == nil {
		return fmt.Errorf("inject: provider %q has no Build function", p.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	if _, ok := c.providers[p.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, p.Name)
	}
	p.Needs = slices.Clone(p.Needs)
	c.providers[p.Name] = &p
	c.names = append(c.names, p.Name)
	if p.Scope == Singleton {
		c.singletons[p.Name] = &singleton{}
	}
	return nil
}

// Value registers an already built singleton.
func (c *Container) Value(name string, v any) error {
	if err := c.Provide(Provider{
		Name:  name,
		Scope: Singleton,
		Build: func(context.Context, Deps) (any, error) { return v, nil },
	}); err != nil {
		return err
	}
	c.mu.Lock()
	s := c.singletons[name]
	c.mu.Unlock()
	s.built, s.value = true, v
	return nil
}

// Has reports whether name is provided.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Freeze validates the provider graph and stops further registration. Subsequent calls
// return the first result.
func (c *Container) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return c.freezeErr
	}
	c.frozen = true
	c.freezeErr = c.validateLocked()
	return c.freezeErr
}

func (c *Container) validateLocked() error {
	var errs error
	for _, name := range c.names {
		p := c.providers[name]
		for _, need := range p.Needs {
			dep, ok := c.providers[need]
			if !ok {
				errs = multierr.Append(errs, &MissingError{Provider: name, Need: need})
				continue
			}
			if p.Scope == Singleton && dep.Scope != Singleton {
				errs = multierr.Append(errs, &ScopeError{Provider: name, Need: need, NeedScope: dep.Scope})
			}
		}
	}
	if errs != nil {
		return errs
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.names))
	var stack []string
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, name)
			return &CycleError{Path: append(slices.Clone(stack[start:]), name)}
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, need := range c.providers[name].Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}
	for _, name := range c.names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that every name is provided. Routers call it for each route's
// dependency list at registration.
func (c *Container) Check(names ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range names {
		if _, ok := c.providers[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknown, n)
		}
	}
	return nil
}

func (c *Container) provider(name string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

func (c *Container) singletonValue(ctx context.Context, s *Scope, p *Provider) (any, error) {
	c.mu.RLock()
	entry := c.singletons[p.Name]
	c.mu.RUnlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.built {
		return entry.value, entry.err
	}
	deps, err := s.collect(ctx, p)
	if err != nil {
		// Failures of dependencies are not cached so a later request may retry.
		return nil, err
	}
	entry.value, entry.err = p.Build(ctx, deps)
	if entry.err != nil {
		return nil, entry.err
	}
	entry.built = true
	c.orderMu.Lock()
	c.built = append(c.built, p.Name)
	c.orderMu.Unlock()
	return entry.value, nil
}

// Close disposes built singletons in reverse build order.
func (c *Container) Close(ctx context.Context) error {
	c.orderMu.Lock()
	names := slices.Clone(c.built)
	c.built = nil
	c.orderMu.Unlock()

	var errs error
	for i := len(names) - 1; i >= 0; i-- {
		p, _ := c.provider(names[i])
		c.mu.RLock()
		entry := c.singletons[names[i]]
		c.mu.RUnlock()
		entry.mu.Lock()
		v := entry.value
		entry.built, entry.value = false, nil
		entry.mu.Unlock()
		if p.Dispose != nil {
			errs = multierr.Append(errs, p.Dispose(ctx, v, false))
		}
	}
	return errs
}
