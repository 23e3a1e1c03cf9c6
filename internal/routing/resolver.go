package routing

import "edgerouter/internal/manifest"

// Matches is the result of resolving a path against the route tables.
type Matches struct {
	Static  []manifest.RouteEntry
	Dynamic []manifest.RouteEntry
}

// HasStatic reports whether any static route matched.
func (m Matches) HasStatic() bool { return len(m.Static) > 0 }

// HasDynamic reports whether any dynamic route matched.
func (m Matches) HasDynamic() bool { return len(m.Dynamic) > 0 }

// Empty reports whether nothing matched.
func (m Matches) Empty() bool { return !m.HasStatic() && !m.HasDynamic() }

// ByKind returns every matched entry of the given kind, static first.
func (m Matches) ByKind(kind manifest.RouteKind) []manifest.RouteEntry {
	var out []manifest.RouteEntry
	for _, e := range m.Static {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	for _, e := range m.Dynamic {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Resolver matches locale/base-path-normalized paths against the manifest
// route tables. It holds no mutable state.
type Resolver struct {
	routes manifest.Routes
}

func NewResolver(m *manifest.Manifest) *Resolver {
	return &Resolver{routes: m.Routes}
}

// Resolve matches path against both tables. Results keep table order.
func (r *Resolver) Resolve(path string) Matches {
	return Matches{
		Static:  r.MatchStatic(path),
		Dynamic: r.MatchDynamic(path, nil),
	}
}

// MatchStatic returns the static entries matching path.
func (r *Resolver) MatchStatic(path string) []manifest.RouteEntry {
	return matchTable(r.routes.Static, path, nil)
}

// MatchDynamic returns the dynamic entries matching path, skipping any entry
// for which exclude returns true.
func (r *Resolver) MatchDynamic(path string, exclude func(manifest.RouteEntry) bool) []manifest.RouteEntry {
	return matchTable(r.routes.Dynamic, path, exclude)
}

func matchTable(table []manifest.RouteEntry, path string, exclude func(manifest.RouteEntry) bool) []manifest.RouteEntry {
	var out []manifest.RouteEntry
	for _, e := range table {
		if exclude != nil && exclude(e) {
			continue
		}
		if e.Matches(path) {
			out = append(out, e)
		}
	}
	return out
}
