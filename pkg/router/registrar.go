package router

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Suhaibinator/SEngine/pkg/bridge"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/guard"
	"github.com/Suhaibinator/SEngine/pkg/middleware"
	"github.com/Suhaibinator/SEngine/pkg/middleware/ratelimit"
	"github.com/Suhaibinator/SEngine/pkg/pathtree"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// route is a compiled, immutable route table entry.
type route struct {
	info      RouteInfo
	handler   bridge.Handler
	chain     *middleware.Chain
	guard     guard.Node
	depends   []string
	overrides common.RouteOverrides
}

// table is an immutable snapshot of every registered route.
type table struct {
	tree   *pathtree.Tree
	routes []*route // indexed by pathtree.RouteID
	global *middleware.Chain
}

// level is what a blueprint hands down to its routes and children.
type level struct {
	prefix      string
	middlewares []middleware.Entry
	guards      []guard.Node
	depends     []string
	tags        []string
	overrides   common.RouteOverrides // applies to the blueprint's own routes only
	rateLimit   *ratelimit.Config     // applies to the blueprint's own routes only
}

// Registrar collects routes for a route table. Router.Reload hands one to its callback;
// before the table is frozen, Router.RegisterRoute and Router.RegisterBlueprint use the
// router's own.
type Registrar struct {
	config *RouterConfig
	logger *zap.Logger
	tree   *pathtree.Tree
	routes []*route
}

func newRegistrar(config *RouterConfig, logger *zap.Logger) *Registrar {
	return &Registrar{config: config, logger: logger, tree: pathtree.New()}
}

// RegisterRoute adds a top-level route. Conflicting (method, pattern) pairs fail with an
// error wrapping pathtree.ErrRouteConflict.
func (g *Registrar) RegisterRoute(rc RouteConfig) error {
	return g.add(rc, level{})
}

// RegisterBlueprint adds a blueprint and its children. Every route is attempted; the
// returned error combines all failures.
func (g *Registrar) RegisterBlueprint(bp BlueprintConfig) error {
	return g.addBlueprint(bp, level{})
}

func (g *Registrar) addBlueprint(bp BlueprintConfig, parent level) error {
	lv := level{
		prefix:      parent.prefix + bp.Prefix,
		middlewares: slices.Concat(parent.middlewares, bp.Middlewares),
		guards:      slices.Concat(parent.guards, bp.Guards),
		depends:     slices.Concat(parent.depends, bp.Depends),
		tags:        slices.Concat(parent.tags, bp.Tags),
		overrides:   bp.Overrides,
		rateLimit:   bp.RateLimit,
	}

	var errs error
	for _, rc := range bp.Routes {
		errs = multierr.Append(errs, g.add(rc, lv))
	}
	for _, child := range bp.Children {
		errs = multierr.Append(errs, g.addBlueprint(child, lv))
	}
	return errs
}

func (g *Registrar) add(rc RouteConfig, lv level) error {
	path := lv.prefix + rc.Path
	if rc.Handler == nil {
		return fmt.Errorf("router: route %q has no handler", path)
	}
	if len(rc.Methods) == 0 {
		return fmt.Errorf("router: route %q has no methods", path)
	}
	h, err := bridge.Classify(rc.Handler)
	if err != nil {
		return fmt.Errorf("router: route %q: %w", path, err)
	}

	// Route settings win over the blueprint's, which win over the global ones.
	overrides := common.Resolve(rc.Overrides, lv.overrides, common.RouteOverrides{
		Timeout:     g.config.GlobalTimeout,
		MaxBodySize: g.config.GlobalMaxBodySize,
	})
	rateLimit := rc.RateLimit
	if rateLimit == nil {
		rateLimit = lv.rateLimit
	}
	if rateLimit == nil {
		rateLimit = g.config.GlobalRateLimit
	}

	entries := slices.Concat(g.config.Middlewares, lv.middlewares, rc.Middlewares)
	if rateLimit != nil {
		entries = append(entries, ratelimit.Middleware(rateLimit, g.logger))
	}
	chain := middleware.NewChain(entries...)

	node := guard.All(slices.Concat(g.config.Guards, lv.guards, rc.Guards)...)
	var guardExpr string
	if node != nil {
		guardExpr = node.String()
	}

	depends := dedupe(slices.Concat(lv.depends, rc.Depends))
	tags := slices.Concat(lv.tags, rc.Tags)

	var errs error
	for _, m := range rc.Methods {
		id, err := g.tree.Register(path, string(m))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("router: register %s %s: %w", m, path, err))
			continue
		}
		if int(id) != len(g.routes) {
			return errors.New("router: route ids out of sequence")
		}
		g.routes = append(g.routes, &route{
			info: RouteInfo{
				Method:      string(m),
				Path:        pathtree.CleanPath(path),
				Name:        rc.Name,
				Summary:     rc.Summary,
				Tags:        tags,
				Handler:     h.Kind(),
				Timeout:     overrides.Timeout,
				MaxBodySize: overrides.MaxBodySize,
				Middlewares: chain.Names(),
				Guard:       guardExpr,
				Depends:     depends,
			},
			handler:   h,
			chain:     chain,
			guard:     node,
			depends:   depends,
			overrides: overrides,
		})
		g.logger.Debug("Registered route",
			zap.String("method", string(m)),
			zap.String("path", path),
			zap.String("handler", h.Kind().String()),
			zap.Strings("middlewares", chain.Names()),
		)
	}
	return errs
}

// build validates dependencies and returns the immutable table.
func (g *Registrar) build() (*table, error) {
	c := g.config.Container
	if c != nil {
		if err := c.Freeze(); err != nil {
			return nil, err
		}
	}
	var errs error
	for _, rt := range g.routes {
		if len(rt.depends) == 0 {
			continue
		}
		if c == nil {
			errs = multierr.Append(errs, fmt.Errorf("router: route %s %s depends on %v but no container is configured",
				rt.info.Method, rt.info.Path, rt.depends))
			continue
		}
		if err := c.Check(rt.depends...); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("router: route %s %s: %w", rt.info.Method, rt.info.Path, err))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return &table{
		tree:   g.tree,
		routes: g.routes,
		global: middleware.NewChain(g.config.Middlewares...),
	}, nil
}

func (g *Registrar) infos() []RouteInfo {
	out := make([]RouteInfo, len(g.routes))
	for i, rt := range g.routes {
		out[i] = rt.info
	}
	return out
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
