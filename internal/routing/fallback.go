package routing

import (
	"net/http"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// FallbackResult is the outcome of the fallback resolver.
type FallbackResult struct {
	Request *edge.Request
	// NotFound means the request was rewritten to the not-found page and must
	// not be rendered or served from the regular cache path.
	NotFound bool
	IsISR    bool
	Route    string
}

// FallbackResolver enforces fallback:false on dynamic prerender routes.
type FallbackResolver struct {
	m        *manifest.Manifest
	engine   *Engine
	resolver *Resolver
	disabled map[string]bool
	routes   []string
}

func NewFallbackResolver(m *manifest.Manifest, engine *Engine, resolver *Resolver) *FallbackResolver {
	routes := m.FallbackFalseRoutes()
	disabled := make(map[string]bool, len(routes))
	for _, r := range routes {
		disabled[r] = true
	}
	return &FallbackResolver{m: m, engine: engine, resolver: resolver, disabled: disabled, routes: routes}
}

// Resolve decides whether req must short-circuit to a 404.
func (f *FallbackResolver) Resolve(req *edge.Request) FallbackResult {
	path, locale := f.engine.NormalizedPath(req.RawPath)
	prerendered := f.isPrerendered(path, locale)

	for _, route := range f.routes {
		d := f.m.Prerender.DynamicRoutes[route]
		if !d.Matches(path) || prerendered {
			continue
		}
		if len(f.resolver.MatchStatic(path)) > 0 {
			continue
		}
		others := f.resolver.MatchDynamic(path, func(e manifest.RouteEntry) bool { return f.disabled[e.Page] })
		if len(others) > 0 {
			continue
		}
		return FallbackResult{Request: f.notFound(req, locale), NotFound: true, Route: route}
	}

	isr := prerendered
	if !isr {
		for _, d := range f.m.Prerender.DynamicRoutes {
			if !d.Fallback.Disabled && d.Matches(path) {
				isr = true
				break
			}
		}
	}
	return FallbackResult{Request: req, IsISR: isr}
}

func (f *FallbackResolver) isPrerendered(path, locale string) bool {
	if f.m.IsPrerendered(path) {
		return true
	}
	if locale == "" {
		return false
	}
	if path == "/" {
		return f.m.IsPrerendered("/" + locale)
	}
	return f.m.IsPrerendered("/" + locale + path)
}

func (f *FallbackResolver) notFound(req *edge.Request, locale string) *edge.Request {
	return notFoundRequest(f.m, req, locale)
}

// notFoundRequest rewrites req to the not-found page, keeping base path and
// locale prefix, and marks it for non-caching.
func notFoundRequest(m *manifest.Manifest, req *edge.Request, locale string) *edge.Request {
	path := m.BasePath
	if locale != "" {
		path += "/" + locale
	}
	path += "/404"
	out := req.WithPath(path)
	out.Headers.Set(edge.HeaderEdgeStatus, "404")
	out.Headers.Set("Cache-Control", edge.NoCacheControl)
	out.Headers.Set(edge.HeaderOriginalPath, req.RawPath)
	return out
}

// notFoundHeaders are added to responses for short-circuited 404s.
func notFoundHeaders() http.Header {
	h := make(http.Header)
	h.Set("Cache-Control", edge.NoCacheControl)
	h.Set(edge.HeaderEdgeStatus, "404")
	return h
}
