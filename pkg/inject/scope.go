package inject

import (
	"context"
	"fmt"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"go.uber.org/multierr"
)

type created struct {
	provider *Provider
	value    any
}

// Scope resolves dependencies for one request. It is used by the goroutine serving the
// request and is not safe for concurrent use.
type Scope struct {
	c       *Container
	request map[string]any
	created []created
	closed  bool
}

// NewScope starts a request scope. The container is frozen if it was not already.
func (c *Container) NewScope() (*Scope, error) {
	if err := c.Freeze(); err != nil {
		return nil, err
	}
	return &Scope{c: c, request: make(map[string]any)}, nil
}

// Resolve builds the named dependencies.
func (s *Scope) Resolve(ctx context.Context, names ...string) (Deps, error) {
	deps := make(Deps, len(names))
	for _, name := range names {
		v, err := s.get(ctx, name)
		if err != nil {
			return nil, err
		}
		deps[name] = v
	}
	return deps, nil
}

func (s *Scope) get(ctx context.Context, name string) (any, error) {
	p, ok := s.c.provider(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	switch p.Scope {
	case Singleton:
		return s.c.singletonValue(ctx, s, p)
	case Request:
		if v, ok := s.request[name]; ok {
			return v, nil
		}
		v, err := s.build(ctx, p)
		if err != nil {
			return nil, err
		}
		s.request[name] = v
		return v, nil
	default:
		return s.build(ctx, p)
	}
}

func (s *Scope) collect(ctx context.Context, p *Provider) (Deps, error) {
	deps := make(Deps, len(p.Needs))
	for _, need := range p.Needs {
		v, err := s.get(ctx, need)
		if err != nil {
			return nil, fmt.Errorf("resolve %q for %q: %w", need, p.Name, err)
		}
		deps[need] = v
	}
	return deps, nil
}

func (s *Scope) build(ctx context.Context, p *Provider) (any, error) {
	deps, err := s.collect(ctx, p)
	if err != nil {
		return nil, err
	}
	v, err := p.Build(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("build %q: %w", p.Name, err)
	}
	s.created = append(s.created, created{provider: p, value: v})
	return v, nil
}

// Close disposes request and transient values in reverse creation order. failed is
// passed to every Dispose function. Close is idempotent.
func (s *Scope) Close(ctx context.Context, failed bool) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs error
	for i := len(s.created) - 1; i >= 0; i-- {
		c := s.created[i]
		if c.provider.Dispose == nil {
			continue
		}
		if err := c.provider.Dispose(ctx, c.value, failed); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dispose %q: %w", c.provider.Name, err))
		}
	}
	s.created = nil
	return errs
}

// Get returns the dependency name attached to req, converted to T.
func Get[T any](req *envelope.Request, name string) (T, error) {
	var zero T
	v, ok := req.Dependency(name)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("inject: dependency %q is %T, not %T", name, v, zero)
	}
	return t, nil
}

// MustGet is Get for handlers that declared name in their route's dependency list.
func MustGet[T any](req *envelope.Request, name string) T {
	v, err := Get[T](req, name)
	if err != nil {
		panic(err)
	}
	return v
}
