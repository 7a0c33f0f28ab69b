package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/pkg/tracing"

	"go.uber.org/zap"
)

const maxRedirects = 10

type segmentKind int

const (
	segmentStatic segmentKind = iota
	segmentParam
	segmentCatchAll
)

type segment struct {
	kind  segmentKind
	value string // literal for static, param name otherwise
}

type compiledRoute struct {
	name         domain.RouteName
	pattern      string
	segments     []segment
	requiresAuth bool
}

// Router resolves locations against the route table and runs the
// navigation guard before committing a transition.
type Router struct {
	routes  []compiledRoute
	byName  map[domain.RouteName]*compiledRoute
	session ports.SessionReader
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	current    domain.Route
	hasCurrent bool
	afterEach  []func(from, to domain.Route)
}

func NewRouter(records []domain.RouteRecord, session ports.SessionReader, logger *zap.SugaredLogger) (*Router, error) {
	r := &Router{
		byName:  make(map[domain.RouteName]*compiledRoute),
		session: session,
		logger:  logger,
	}
	if err := r.addRecords(records, "", false); err != nil {
		return nil, err
	}
	for i := range r.routes {
		r.byName[r.routes[i].name] = &r.routes[i]
	}
	return r, nil
}

func (r *Router) addRecords(records []domain.RouteRecord, parent string, parentAuth bool) error {
	for _, rec := range records {
		full := joinPath(parent, rec.Path)
		requiresAuth := parentAuth || rec.RequiresAuth

		if rec.Name != "" {
			for _, existing := range r.routes {
				if existing.name == rec.Name {
					return fmt.Errorf("duplicate route name %q", rec.Name)
				}
			}
			r.routes = append(r.routes, compiledRoute{
				name:         rec.Name,
				pattern:      full,
				segments:     compilePattern(full),
				requiresAuth: requiresAuth,
			})
		}
		if err := r.addRecords(rec.Children, full, requiresAuth); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(parent, child string) string {
	if strings.HasPrefix(child, "/") {
		return child
	}
	if child == "" {
		if parent == "" {
			return "/"
		}
		return parent
	}
	return strings.TrimRight(parent, "/") + "/" + child
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func compilePattern(pattern string) []segment {
	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, ":") && strings.HasSuffix(part, "*"):
			name := strings.TrimPrefix(part, ":")
			if i := strings.IndexByte(name, '('); i >= 0 {
				name = name[:i]
			}
			segs = append(segs, segment{kind: segmentCatchAll, value: strings.TrimSuffix(name, "*")})
		case strings.HasPrefix(part, ":"):
			segs = append(segs, segment{kind: segmentParam, value: strings.TrimPrefix(part, ":")})
		default:
			segs = append(segs, segment{kind: segmentStatic, value: part})
		}
	}
	return segs
}

// match returns the params and a specificity score, or ok=false.
func (c *compiledRoute) match(parts []string) (map[string]string, int, bool) {
	params := map[string]string{}
	score := 0
	for i, seg := range c.segments {
		if seg.kind == segmentCatchAll {
			params[seg.value] = strings.Join(parts[min(i, len(parts)):], "/")
			return params, score, true
		}
		if i >= len(parts) {
			return nil, 0, false
		}
		switch seg.kind {
		case segmentStatic:
			if parts[i] != seg.value {
				return nil, 0, false
			}
			score += 4
		case segmentParam:
			params[seg.value] = parts[i]
			score += 2
		}
	}
	if len(parts) != len(c.segments) {
		return nil, 0, false
	}
	return params, score, true
}

func (c *compiledRoute) build(params map[string]string) (string, error) {
	if len(c.segments) == 0 {
		return "/", nil
	}
	var b strings.Builder
	for _, seg := range c.segments {
		switch seg.kind {
		case segmentStatic:
			b.WriteString("/" + seg.value)
		case segmentParam:
			v, ok := params[seg.value]
			if !ok || v == "" {
				return "", fmt.Errorf("route %q: missing param %q", c.name, seg.value)
			}
			b.WriteString("/" + url.PathEscape(v))
		case segmentCatchAll:
			if v := strings.Trim(params[seg.value], "/"); v != "" {
				b.WriteString("/" + v)
			}
		}
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

func (c *compiledRoute) route(path string, params map[string]string) domain.Route {
	return domain.Route{
		Name:         c.name,
		Path:         path,
		Pattern:      c.pattern,
		Params:       params,
		RequiresAuth: c.requiresAuth,
	}
}

// Resolve maps a location onto a route without navigating.
func (r *Router) Resolve(loc domain.Location) (domain.Route, error) {
	if loc.Name != "" {
		c, ok := r.byName[loc.Name]
		if !ok {
			return domain.Route{}, fmt.Errorf("%w: %q", domain.ErrRouteNotFound, loc.Name)
		}
		path, err := c.build(loc.Params)
		if err != nil {
			return domain.Route{}, err
		}
		return c.route(path, copyParams(loc.Params)), nil
	}

	path := loc.Path
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	parts := splitPath(path)

	var (
		best       *compiledRoute
		bestParams map[string]string
		bestScore  = -1
	)
	for i := range r.routes {
		params, score, ok := r.routes[i].match(parts)
		if ok && score > bestScore {
			best, bestParams, bestScore = &r.routes[i], params, score
		}
	}
	if best == nil {
		return domain.Route{}, fmt.Errorf("%w: %q", domain.ErrRouteNotFound, loc.Path)
	}
	return best.route("/"+strings.Join(parts, "/"), bestParams), nil
}

func copyParams(p map[string]string) map[string]string {
	if len(p) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// GuardRedirect evaluates the navigation guard for a target route. A nil
// result means the transition may proceed.
func GuardRedirect(to domain.Route, authenticated bool) *domain.Location {
	if to.RequiresAuth && !authenticated {
		return &domain.Location{Name: domain.RouteLogin}
	}
	if to.Name == domain.RouteLogin && authenticated {
		return &domain.Location{Name: domain.RouteDashboard}
	}
	return nil
}

// Push navigates to loc, following guard redirects, and returns the route
// that was committed. A redirect is not an error.
func (r *Router) Push(ctx context.Context, loc domain.Location) (domain.Route, error) {
	target, err := r.Resolve(loc)
	if err != nil {
		return domain.Route{}, err
	}

	for hops := 0; ; hops++ {
		redirect := GuardRedirect(target, r.session.IsAuthenticated())
		if redirect == nil {
			break
		}
		if hops >= maxRedirects {
			return domain.Route{}, fmt.Errorf("%w: last target %q", domain.ErrRedirectLoop, target.Name)
		}
		r.logger.Debugw("navigation redirected", "from", target.Name, "to", redirect.Name)
		if target, err = r.Resolve(*redirect); err != nil {
			return domain.Route{}, err
		}
	}

	tracing.AddSpanAttributes(ctx, tracing.RouteKey.String(string(target.Name)))

	r.mu.Lock()
	from := r.current
	r.current = target
	r.hasCurrent = true
	hooks := append([]func(from, to domain.Route){}, r.afterEach...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(from, target)
	}
	return target, nil
}

// Current returns the last committed route.
func (r *Router) Current() (domain.Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.hasCurrent
}

// AfterEach registers a hook run after every committed navigation.
func (r *Router) AfterEach(fn func(from, to domain.Route)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterEach = append(r.afterEach, fn)
}
