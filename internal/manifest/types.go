package manifest

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RouteKind tells which renderer family owns a route.
type RouteKind string

const (
	KindPage  RouteKind = "page"
	KindApp   RouteKind = "app"
	KindRoute RouteKind = "route"
)

// RouteEntry is one row of the static or dynamic route table.
type RouteEntry struct {
	Page  string    `yaml:"page"`
	Regex string    `yaml:"regex"`
	Kind  RouteKind `yaml:"kind"`

	re *regexp.Regexp
}

// Matches reports whether path matches the compiled route regex.
func (e RouteEntry) Matches(path string) bool {
	return e.re != nil && e.re.MatchString(path)
}

// Routes holds the two disjoint route tables. Table order is precedence.
type Routes struct {
	Static  []RouteEntry `yaml:"static"`
	Dynamic []RouteEntry `yaml:"dynamic"`
}

// ConditionType is the request attribute a has/missing condition inspects.
type ConditionType string

const (
	ConditionHeader ConditionType = "header"
	ConditionCookie ConditionType = "cookie"
	ConditionQuery  ConditionType = "query"
	ConditionHost   ConditionType = "host"
)

// Condition is one has/missing entry. Value, when set, is an anchored regex
// whose named groups become destination params.
type Condition struct {
	Type  ConditionType `yaml:"type"`
	Key   string        `yaml:"key"`
	Value string        `yaml:"value"`

	re *regexp.Regexp
}

// ValueRegexp returns the compiled value matcher, nil when Value is empty.
func (c Condition) ValueRegexp() *regexp.Regexp { return c.re }

// Rule is a declarative rewrite or redirect.
type Rule struct {
	Source      string      `yaml:"source"`
	Destination string      `yaml:"destination"`
	Has         []Condition `yaml:"has"`
	Missing     []Condition `yaml:"missing"`
	Locale      *bool       `yaml:"locale"`
	BasePath    *bool       `yaml:"basePath"`
	Internal    bool        `yaml:"internal"`
	Permanent   bool        `yaml:"permanent"`
	StatusCode  int         `yaml:"statusCode"`

	pattern *Pattern
}

// Pattern returns the compiled source pattern.
func (r *Rule) Pattern() *Pattern { return r.pattern }

// LocaleAware reports whether the rule source is matched against the
// locale-stripped path.
func (r *Rule) LocaleAware() bool { return r.Locale == nil || *r.Locale }

// UsesBasePath reports whether the configured base path applies to the rule.
func (r *Rule) UsesBasePath() bool { return r.BasePath == nil || *r.BasePath }

// RedirectStatus is the status a matched redirect rule answers with.
func (r *Rule) RedirectStatus() int {
	if r.StatusCode != 0 {
		return r.StatusCode
	}
	if r.Permanent {
		return 308
	}
	return 307
}

// Rewrites groups rewrite rules by phase.
type Rewrites struct {
	BeforeFiles []Rule `yaml:"beforeFiles"`
	AfterFiles  []Rule `yaml:"afterFiles"`
	Fallback    []Rule `yaml:"fallback"`
}

// DomainLocale maps a host to its default locale.
type DomainLocale struct {
	Domain        string   `yaml:"domain"`
	DefaultLocale string   `yaml:"defaultLocale"`
	Locales       []string `yaml:"locales"`
	HTTP          bool     `yaml:"http"`
}

// I18n is the locale configuration. A nil *I18n disables locale routing.
type I18n struct {
	Locales         []string       `yaml:"locales"`
	DefaultLocale   string         `yaml:"defaultLocale"`
	LocaleDetection *bool          `yaml:"localeDetection"`
	Domains         []DomainLocale `yaml:"domains"`
}

// DetectionEnabled reports whether automatic locale detection is on.
func (i *I18n) DetectionEnabled() bool {
	return i.LocaleDetection == nil || *i.LocaleDetection
}

// MiddlewareMatcher is one entry of the middleware match set.
type MiddlewareMatcher struct {
	Regex string `yaml:"regex"`

	re *regexp.Regexp
}

// Revalidate is a revalidation policy: never (false), zero, or N seconds.
type Revalidate struct {
	Set     bool
	Never   bool
	Seconds int
}

// RevalidateNever and RevalidateAfter build policies in code.
func RevalidateNever() Revalidate           { return Revalidate{Set: true, Never: true} }
func RevalidateAfter(seconds int) Revalidate { return Revalidate{Set: true, Seconds: seconds} }

func (r *Revalidate) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!null" {
		*r = Revalidate{}
		return nil
	}
	if node.ShortTag() == "!!bool" {
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return err
		}
		if b {
			return fmt.Errorf("revalidate: true is not a valid policy")
		}
		*r = RevalidateNever()
		return nil
	}
	n, err := strconv.Atoi(node.Value)
	if err != nil {
		return fmt.Errorf("revalidate: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("revalidate: negative value %d", n)
	}
	*r = RevalidateAfter(n)
	return nil
}

// Fallback is the dynamic-route fallback policy: false, null (blocking), or
// a fallback page.
type Fallback struct {
	Disabled bool
	Page     string
}

func (f *Fallback) UnmarshalYAML(node *yaml.Node) error {
	switch node.ShortTag() {
	case "!!null":
		*f = Fallback{}
	case "!!bool":
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return err
		}
		*f = Fallback{Disabled: !b}
	default:
		*f = Fallback{Page: node.Value}
	}
	return nil
}

// PrerenderRoute describes one pre-rendered path.
type PrerenderRoute struct {
	InitialRevalidate Revalidate  `yaml:"initialRevalidateSeconds"`
	SrcRoute          string      `yaml:"srcRoute"`
	DataRoute         string      `yaml:"dataRoute"`
	BypassFor         []Condition `yaml:"bypassFor"`
}

// DynamicRoute describes a dynamic route participating in ISR.
type DynamicRoute struct {
	RouteRegex     string      `yaml:"routeRegex"`
	DataRouteRegex string      `yaml:"dataRouteRegex"`
	Fallback       Fallback    `yaml:"fallback"`
	BypassFor      []Condition `yaml:"bypassFor"`

	re *regexp.Regexp
}

// Matches reports whether path matches the route regex.
func (d DynamicRoute) Matches(path string) bool {
	return d.re != nil && d.re.MatchString(path)
}

// Prerender is the prerender policy table. BypassFor applies to every
// prerendered path; entries may carry their own list on top of it.
type Prerender struct {
	PreviewModeID string                    `yaml:"previewModeId"`
	Routes        map[string]PrerenderRoute `yaml:"routes"`
	DynamicRoutes map[string]DynamicRoute   `yaml:"dynamicRoutes"`
	BypassFor     []Condition               `yaml:"bypassFor"`
}

// Images configures the image optimization endpoint.
type Images struct {
	Path string `yaml:"path"`
}
