// Package router maps (method, path) pairs onto route descriptors. Routes
// are matched in declaration order; the first pattern whose segments prefix
// the request path and whose method set contains the request method wins.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/quaylabs/breakwater/internal/apierror"
)

// Route is an immutable descriptor for one proxied path.
type Route struct {
	Pattern       string
	Upstream      *url.URL
	Methods       map[string]struct{}
	TimeoutMs     int64
	Retries       int
	AuthRequired  bool
	RateLimitTier string
	StripPath     bool
	PreserveHost  bool
	RequiredRoles []string
	RequiredPerms []string

	segments []segment
}

type segment struct {
	literal string
	param   string // non-empty for ":name" segments
}

// Spec describes a route to compile. Method names are upper-cased; an empty
// tier falls back to "basic".
type Spec struct {
	Pattern       string
	Target        string
	Methods       []string
	TimeoutMs     int64
	Retries       int
	AuthRequired  bool
	RateLimitTier string
	StripPath     bool
	PreserveHost  bool
	RequiredRoles []string
	RequiredPerms []string
}

// Compile builds a Route from a Spec. Pattern errors are fatal at startup.
func Compile(s Spec) (*Route, error) {
	if !strings.HasPrefix(s.Pattern, "/") {
		return nil, fmt.Errorf("route pattern %q must start with '/'", s.Pattern)
	}
	u, err := url.Parse(s.Target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("route %q: target %q is not an absolute url", s.Pattern, s.Target)
	}

	segs, err := compileSegments(s.Pattern)
	if err != nil {
		return nil, err
	}

	methods := map[string]struct{}{}
	for _, m := range s.Methods {
		methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("route %q: empty method set", s.Pattern)
	}

	tier := s.RateLimitTier
	if tier == "" {
		tier = "basic"
	}
	timeout := s.TimeoutMs
	if timeout <= 0 {
		timeout = 5000
	}

	return &Route{
		Pattern:       s.Pattern,
		Upstream:      u,
		Methods:       methods,
		TimeoutMs:     timeout,
		Retries:       s.Retries,
		AuthRequired:  s.AuthRequired,
		RateLimitTier: tier,
		StripPath:     s.StripPath,
		PreserveHost:  s.PreserveHost,
		RequiredRoles: s.RequiredRoles,
		RequiredPerms: s.RequiredPerms,
		segments:      segs,
	}, nil
}

func compileSegments(pattern string) ([]segment, error) {
	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		if name, ok := strings.CutPrefix(p, ":"); ok {
			if name == "" {
				return nil, fmt.Errorf("route pattern %q has an unnamed parameter", pattern)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("route pattern %q repeats parameter %q", pattern, name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{param: name})
			continue
		}
		segs = append(segs, segment{literal: p})
	}
	return segs, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ServiceKey identifies the upstream for breaker bookkeeping, always in
// host:port form.
func (r *Route) ServiceKey() string {
	host := r.Upstream.Host
	if r.Upstream.Port() != "" {
		return host
	}
	if r.Upstream.Scheme == "https" {
		return host + ":443"
	}
	return host + ":80"
}

// AllowsMethod reports membership in the route's method set.
func (r *Route) AllowsMethod(method string) bool {
	_, ok := r.Methods[strings.ToUpper(method)]
	return ok
}

// MethodList returns the allowed methods in stable order for admin output.
func (r *Route) MethodList() []string {
	out := make([]string, 0, len(r.Methods))
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"} {
		if _, ok := r.Methods[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Match is a successful resolution: the route, extracted path parameters,
// and the path remainder beyond the matched prefix.
type Match struct {
	Route     *Route
	Params    map[string]string
	Remainder []string
}

// match attempts a prefix match of the compiled pattern against the path
// segments. Method gating happens in the table so a path hit with the wrong
// method keeps walking the list.
func (r *Route) match(parts []string) (*Match, bool) {
	if len(parts) < len(r.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range r.segments {
		if seg.param != "" {
			if params == nil {
				params = map[string]string{}
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return &Match{Route: r, Params: params, Remainder: parts[len(r.segments):]}, true
}

// ForwardPath is the path sent upstream: the remainder when the route strips
// its prefix, the original path otherwise. Empty results become "/".
func (m *Match) ForwardPath(originalPath string) string {
	if !m.Route.StripPath {
		return originalPath
	}
	if len(m.Remainder) == 0 {
		return "/"
	}
	return "/" + strings.Join(m.Remainder, "/")
}

// TargetURL builds the upstream URL: base with trailing slash stripped, plus
// the forward path, plus the query string verbatim.
func (m *Match) TargetURL(originalPath, rawQuery string) string {
	base := strings.TrimRight(m.Route.Upstream.String(), "/")
	target := base + m.ForwardPath(originalPath)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Table is the live route list. Reads dominate; admin add/remove take the
// write lock.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

func NewTable(routes []*Route) *Table {
	return &Table{routes: routes}
}

// Resolve walks the list in declaration order and returns the first route
// matching both path and method. A path hit with a method miss is not a
// match: the walk continues, and exhaustion yields ROUTE_NOT_FOUND.
func (t *Table) Resolve(method, path string) (*Match, error) {
	parts := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		m, ok := r.match(parts)
		if !ok {
			continue
		}
		if !r.AllowsMethod(method) {
			continue
		}
		return m, nil
	}
	return nil, apierror.New(apierror.RouteNotFound, fmt.Sprintf("no route for %s %s", method, path)).
		WithDetail("method", method).
		WithDetail("path", path)
}

// Add appends a route to the end of the list.
func (t *Table) Add(r *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// Remove deletes the route with the given pattern, reporting whether one was
// found.
func (t *Table) Remove(pattern string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.routes {
		if r.Pattern == pattern {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// List snapshots the current routes in declaration order.
func (t *Table) List() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
