package manifest

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest bundles every load-time table the router consults. It is built
// once by Load, Parse or New and never mutated afterwards, so it is safe for
// unsynchronized concurrent reads.
type Manifest struct {
	BuildID                   string              `yaml:"buildId"`
	BasePath                  string              `yaml:"basePath"`
	TrailingSlash             bool                `yaml:"trailingSlash"`
	SkipTrailingSlashRedirect bool                `yaml:"skipTrailingSlashRedirect"`
	I18n                      *I18n               `yaml:"i18n"`
	Routes                    Routes              `yaml:"routes"`
	Redirects                 []Rule              `yaml:"redirects"`
	Rewrites                  Rewrites            `yaml:"rewrites"`
	Middleware                []MiddlewareMatcher `yaml:"middleware"`
	Prerender                 Prerender           `yaml:"prerender"`
	Images                    Images              `yaml:"images"`

	prerenderedPaths []string
	dynamicOrder     []string
}

// Load reads a manifest file. JSON manifests are accepted as well since
// YAML is a superset of JSON.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and compiles a manifest document.
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return New(m)
}

// New compiles a manifest built in code. The argument is copied.
func New(raw Manifest) (*Manifest, error) {
	m := raw
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) compile() error {
	m.BasePath = strings.TrimRight(m.BasePath, "/")
	if m.BasePath != "" && !strings.HasPrefix(m.BasePath, "/") {
		return fmt.Errorf("basePath must start with /, got %q", m.BasePath)
	}
	if m.Images.Path == "" {
		m.Images.Path = "/_next/image"
	}
	if m.I18n != nil {
		i18n := *m.I18n
		m.I18n = &i18n
		if len(m.I18n.Locales) == 0 {
			return fmt.Errorf("i18n.locales is empty")
		}
		if m.I18n.DefaultLocale == "" {
			m.I18n.DefaultLocale = m.I18n.Locales[0]
		}
	}

	var err error
	if m.Routes.Static, err = compileRoutes("routes.static", m.Routes.Static); err != nil {
		return err
	}
	if m.Routes.Dynamic, err = compileRoutes("routes.dynamic", m.Routes.Dynamic); err != nil {
		return err
	}
	if m.Redirects, err = compileRules("redirects", m.Redirects); err != nil {
		return err
	}
	if m.Rewrites.BeforeFiles, err = compileRules("rewrites.beforeFiles", m.Rewrites.BeforeFiles); err != nil {
		return err
	}
	if m.Rewrites.AfterFiles, err = compileRules("rewrites.afterFiles", m.Rewrites.AfterFiles); err != nil {
		return err
	}
	if m.Rewrites.Fallback, err = compileRules("rewrites.fallback", m.Rewrites.Fallback); err != nil {
		return err
	}

	mw := make([]MiddlewareMatcher, len(m.Middleware))
	for i, mm := range m.Middleware {
		re, err := regexp.Compile(mm.Regex)
		if err != nil {
			return fmt.Errorf("middleware[%d].regex: %w", i, err)
		}
		mm.re = re
		mw[i] = mm
	}
	m.Middleware = mw

	dyn := make(map[string]DynamicRoute, len(m.Prerender.DynamicRoutes))
	order := make([]string, 0, len(m.Prerender.DynamicRoutes))
	for route, d := range m.Prerender.DynamicRoutes {
		re, err := regexp.Compile(d.RouteRegex)
		if err != nil {
			return fmt.Errorf("prerender.dynamicRoutes[%s].routeRegex: %w", route, err)
		}
		d.re = re
		field := fmt.Sprintf("prerender.dynamicRoutes[%s].bypassFor", route)
		if d.BypassFor, err = compileConditions(field, d.BypassFor); err != nil {
			return err
		}
		dyn[route] = d
		order = append(order, route)
	}
	sort.Strings(order)
	m.Prerender.DynamicRoutes = dyn
	m.dynamicOrder = order

	if m.Prerender.BypassFor, err = compileConditions("prerender.bypassFor", m.Prerender.BypassFor); err != nil {
		return err
	}

	routes := make(map[string]PrerenderRoute, len(m.Prerender.Routes))
	paths := make([]string, 0, len(m.Prerender.Routes))
	for p, r := range m.Prerender.Routes {
		field := fmt.Sprintf("prerender.routes[%s].bypassFor", p)
		if r.BypassFor, err = compileConditions(field, r.BypassFor); err != nil {
			return err
		}
		routes[p] = r
		paths = append(paths, p)
	}
	sort.Strings(paths)
	m.Prerender.Routes = routes
	m.prerenderedPaths = paths
	return nil
}

func compileRoutes(field string, in []RouteEntry) ([]RouteEntry, error) {
	out := make([]RouteEntry, len(in))
	for i, e := range in {
		re, err := regexp.Compile(e.Regex)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].regex: %w", field, i, err)
		}
		if e.Kind == "" {
			e.Kind = KindPage
		}
		switch e.Kind {
		case KindPage, KindApp, KindRoute:
		default:
			return nil, fmt.Errorf("%s[%d].kind: unknown kind %q", field, i, e.Kind)
		}
		e.re = re
		out[i] = e
	}
	return out, nil
}

func compileRules(field string, in []Rule) ([]Rule, error) {
	out := make([]Rule, len(in))
	for i, r := range in {
		p, err := CompilePattern(r.Source)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].source: %w", field, i, err)
		}
		if r.Destination == "" {
			return nil, fmt.Errorf("%s[%d].destination: empty", field, i)
		}
		r.pattern = p
		if r.Has, err = compileConditions(fmt.Sprintf("%s[%d].has", field, i), r.Has); err != nil {
			return nil, err
		}
		if r.Missing, err = compileConditions(fmt.Sprintf("%s[%d].missing", field, i), r.Missing); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func compileConditions(field string, in []Condition) ([]Condition, error) {
	out := make([]Condition, len(in))
	for i, c := range in {
		switch c.Type {
		case ConditionHeader, ConditionCookie, ConditionQuery:
			if c.Key == "" {
				return nil, fmt.Errorf("%s[%d].key: required for %s", field, i, c.Type)
			}
		case ConditionHost:
		default:
			return nil, fmt.Errorf("%s[%d].type: unknown %q", field, i, c.Type)
		}
		if c.Value != "" {
			re, err := regexp.Compile("^(?:" + c.Value + ")$")
			if err != nil {
				return nil, fmt.Errorf("%s[%d].value: %w", field, i, err)
			}
			c.re = re
		}
		out[i] = c
	}
	return out, nil
}

// MiddlewareMatches reports whether the locale-normalized path is covered by
// the middleware match set.
func (m *Manifest) MiddlewareMatches(path string) bool {
	for _, mm := range m.Middleware {
		if mm.re.MatchString(path) {
			return true
		}
	}
	return false
}

// PrerenderedPaths lists every pre-rendered path in sorted order.
func (m *Manifest) PrerenderedPaths() []string {
	out := make([]string, len(m.prerenderedPaths))
	copy(out, m.prerenderedPaths)
	return out
}

// PrerenderRoute returns the prerender entry for an exact path.
func (m *Manifest) PrerenderRoute(path string) (PrerenderRoute, bool) {
	r, ok := m.Prerender.Routes[path]
	return r, ok
}

// IsPrerendered reports whether path was pre-rendered at build time.
func (m *Manifest) IsPrerendered(path string) bool {
	_, ok := m.Prerender.Routes[path]
	return ok
}

// MatchesDynamicPrerender reports whether any ISR dynamic route regex
// matches path.
func (m *Manifest) MatchesDynamicPrerender(path string) bool {
	_, _, ok := m.DynamicPrerender(path)
	return ok
}

// DynamicPrerender returns the first ISR dynamic route, by route id, whose
// regex matches path.
func (m *Manifest) DynamicPrerender(path string) (string, DynamicRoute, bool) {
	for _, route := range m.dynamicOrder {
		if d := m.Prerender.DynamicRoutes[route]; d.Matches(path) {
			return route, d, true
		}
	}
	return "", DynamicRoute{}, false
}

// FallbackFalseRoutes returns the route ids of dynamic routes that must not
// render unknown params on demand.
func (m *Manifest) FallbackFalseRoutes() []string {
	var out []string
	for route, d := range m.Prerender.DynamicRoutes {
		if d.Fallback.Disabled {
			out = append(out, route)
		}
	}
	sort.Strings(out)
	return out
}
