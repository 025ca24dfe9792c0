// Package routing matches an inbound (method, path) against the set
// of enabled ApiDefinitions, per spec §3/§9: route_pattern is a glob
// with '*' wildcard segments and ':param' placeholders, and the first
// enabled route to match wins — an explicitly unresolved ambiguity
// (spec §9) rather than a bug. Reads are fronted by a short-TTL
// in-process cache since routes change rarely but are read on every
// request (spec §5).
package routing

import (
	"context"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/repository"
)

// frontCacheTTL bounds staleness of the route table, per spec §5's
// "short-lived in-process cache (<= 5 minutes)" policy.
const frontCacheTTL = 5 * time.Minute

const routesCacheKey = "routing:enabled-routes"

// Table resolves routes against the configured route repository.
type Table struct {
	Routes repository.RouteRepository
	Front  *cache.MemoryCache
}

func New(routes repository.RouteRepository, front *cache.MemoryCache) *Table {
	return &Table{Routes: routes, Front: front}
}

// Result is the route-resolution outcome the rate-limit stage (stage 5)
// records on the pipeline context for the proxy stage.
type Result struct {
	Route        *db.ApiDefinition
	MethodMisses bool // a route's pattern matched but not its method
}

// Match returns the first enabled route (in registration order) whose
// pattern matches path. If any matching route's pattern matches but
// rejects the method, MethodMisses is reported on the first such
// route found so the caller can still distinguish "no route" from
// "route exists, wrong method" for logging purposes; both cases are a
// 404 to the client (spec §4.1: "Method must match the route's
// allowed_methods; otherwise 404").
func (t *Table) Match(ctx context.Context, method, path string) (*Result, error) {
	routes, err := t.enabledRoutes(ctx)
	if err != nil {
		return nil, err
	}

	var methodMiss bool
	for _, route := range routes {
		if !patternMatches(route.RoutePattern, path) {
			continue
		}
		if !route.AllowsMethod(method) {
			methodMiss = true
			continue
		}
		return &Result{Route: route}, nil
	}
	return &Result{MethodMisses: methodMiss}, nil
}

func (t *Table) enabledRoutes(ctx context.Context) ([]*db.ApiDefinition, error) {
	if v, ok := t.Front.Get(routesCacheKey); ok {
		return v.([]*db.ApiDefinition), nil
	}
	routes, err := t.Routes.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	t.Front.Set(routesCacheKey, routes, frontCacheTTL)
	return routes, nil
}

// Invalidate drops the cached route table, used after admin route
// mutations so the change is visible immediately rather than after
// frontCacheTTL.
func (t *Table) Invalidate() {
	t.Front.Delete(routesCacheKey)
}

// patternMatches compares path against a pattern built from literal
// segments, '*' (matches exactly one segment), and ':name'
// placeholders (matches exactly one non-empty segment).
func patternMatches(pattern, path string) bool {
	pSegs := splitPath(pattern)
	pathSegs := splitPath(path)
	if len(pSegs) != len(pathSegs) {
		return false
	}
	for i, seg := range pSegs {
		switch {
		case seg == "*":
			continue
		case strings.HasPrefix(seg, ":"):
			if pathSegs[i] == "" {
				return false
			}
		default:
			if seg != pathSegs[i] {
				return false
			}
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsManagementPath reports whether path is under one of the
// management surfaces that bypass proxying, auth, and rate limiting
// (spec §4.1/§6): /health, /auth/, /admin/, /developer/.
func IsManagementPath(path string) bool {
	for _, prefix := range []string{"/health", "/auth/", "/admin/", "/developer/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
