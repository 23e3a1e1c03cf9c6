package routing

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// Engine applies the declarative path transformations: slash and locale
// normalization plus the manifest redirect and rewrite rules.
type Engine struct {
	m   *manifest.Manifest
	log zerolog.Logger
}

func NewEngine(m *manifest.Manifest, logger zerolog.Logger) *Engine {
	return &Engine{
		m:   m,
		log: logger.With().Str("component", "rewrite").Logger(),
	}
}

// RewriteResult is the outcome of one rewrite phase.
type RewriteResult struct {
	Request  *edge.Request
	Matched  bool
	External bool
	Rule     string
}

// Redirects runs the redirect stages in order: repeated slashes, trailing
// slash, locale detection, then the manifest redirect list. It returns the
// first terminal redirect, or nil when the request proceeds.
func (e *Engine) Redirects(req *edge.Request) *edge.Response {
	if res := e.NormalizeRepeatedSlashes(req); res != nil {
		return res
	}
	if res := e.NormalizeTrailingSlash(req); res != nil {
		return res
	}
	if res := e.LocaleRedirect(req); res != nil {
		return res
	}
	return e.ApplyRedirects(req)
}

// NormalizeRepeatedSlashes redirects permanently when the path contains
// empty segments.
func (e *Engine) NormalizeRepeatedSlashes(req *edge.Request) *edge.Response {
	if !strings.Contains(req.RawPath, "//") {
		return nil
	}
	return edge.RedirectResponse(http.StatusPermanentRedirect, withQuery(collapseSlashes(req.RawPath), req.Query))
}

// NormalizeTrailingSlash enforces the trailing-slash policy. Asset-like and
// API paths are left alone. Applying it to its own output is a no-op.
func (e *Engine) NormalizeTrailingSlash(req *edge.Request) *edge.Response {
	target, ok := e.trailingSlashTarget(req)
	if !ok {
		return nil
	}
	return edge.RedirectResponse(http.StatusPermanentRedirect, withQuery(target, req.Query))
}

func (e *Engine) trailingSlashTarget(req *edge.Request) (string, bool) {
	if e.m.SkipTrailingSlashRedirect || req.Headers.Get(edge.HeaderNextData) != "" {
		return "", false
	}
	path := req.RawPath
	if path == "/" || path == e.m.BasePath || path == e.m.BasePath+"/" {
		return "", false
	}
	inner, _ := e.StripBasePath(path)
	_, inner = splitLocale(e.m.I18n, inner)
	if edge.HasFileExtension(strings.TrimSuffix(path, "/")) || isAPIPath(inner) {
		return "", false
	}
	hasSlash := strings.HasSuffix(path, "/")
	switch {
	case e.m.TrailingSlash && !hasSlash:
		return path + "/", true
	case !e.m.TrailingSlash && hasSlash:
		return strings.TrimRight(path, "/"), true
	}
	return "", false
}

// LocaleRedirect sends requests without a locale prefix to the detected
// locale when it differs from the applicable default.
func (e *Engine) LocaleRedirect(req *edge.Request) *edge.Response {
	i18n := e.m.I18n
	if i18n == nil || !i18n.DetectionEnabled() {
		return nil
	}
	inner, ok := e.StripBasePath(req.RawPath)
	if !ok {
		return nil
	}
	if locale, _ := splitLocale(i18n, inner); locale != "" {
		return nil
	}
	if isAPIPath(inner) || strings.HasPrefix(inner, "/_next/") || edge.HasFileExtension(inner) {
		return nil
	}

	detected := detectLocale(i18n, req)
	if strings.EqualFold(detected, defaultLocale(i18n, req.Host())) {
		return nil
	}

	if d := domainForLocale(i18n, detected); d != nil && !strings.EqualFold(d.Domain, hostname(req.Host())) {
		scheme := "https"
		if d.HTTP {
			scheme = "http"
		}
		loc := scheme + "://" + d.Domain + e.m.BasePath + "/"
		if !strings.EqualFold(d.DefaultLocale, detected) {
			loc += detected
		}
		return edge.RedirectResponse(http.StatusTemporaryRedirect, loc)
	}

	target := e.m.BasePath + "/" + detected
	if inner != "/" {
		target += inner
	}
	return edge.RedirectResponse(http.StatusTemporaryRedirect, withQuery(target, req.Query))
}

// ApplyRedirects tests the manifest redirect list in order. Internal
// redirects are covered by the normalization stages and skipped here.
func (e *Engine) ApplyRedirects(req *edge.Request) *edge.Response {
	for i := range e.m.Redirects {
		r := &e.m.Redirects[i]
		if r.Internal {
			continue
		}
		dest, _, ok := e.matchRule(req, r)
		if !ok {
			continue
		}
		location := dest.String()
		if dest.Host == "" {
			location = withQuery(dest.EscapedPath(), dest.Query())
		}
		e.log.Debug().Str("source", r.Source).Str("location", location).Msg("Redirect rule matched")
		return edge.RedirectResponse(r.RedirectStatus(), location)
	}
	return nil
}

// ApplyRewrites applies the first matching rule of a rewrite phase.
func (e *Engine) ApplyRewrites(req *edge.Request, rules []manifest.Rule) RewriteResult {
	for i := range rules {
		r := &rules[i]
		dest, external, ok := e.matchRule(req, r)
		if !ok {
			continue
		}
		e.log.Debug().Str("source", r.Source).Str("destination", dest.String()).Bool("external", external).Msg("Rewrite rule matched")
		var next *edge.Request
		if external {
			next = req.WithURL(dest)
		} else {
			next = req.WithPathAndQuery(dest.EscapedPath(), dest.Query())
		}
		return RewriteResult{Request: next, Matched: true, External: external, Rule: r.Source}
	}
	return RewriteResult{Request: req}
}

// matchRule matches one rule and builds its destination with the request
// query merged in. Internal destinations get the locale and base path
// prefixes the source was matched without.
func (e *Engine) matchRule(req *edge.Request, r *manifest.Rule) (*url.URL, bool, bool) {
	path := req.RawPath
	basePrefix := ""
	if r.UsesBasePath() && e.m.BasePath != "" {
		p, ok := e.StripBasePath(path)
		if !ok {
			return nil, false, false
		}
		path, basePrefix = p, e.m.BasePath
	}
	locale := ""
	if e.m.I18n != nil && r.LocaleAware() {
		locale, path = splitLocale(e.m.I18n, path)
	}

	params, ok := r.Pattern().Match(path)
	if !ok {
		return nil, false, false
	}
	condParams, ok := matchConditions(req, r.Has, r.Missing)
	if !ok {
		return nil, false, false
	}
	for k, v := range condParams {
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}

	dest, err := compileDestination(r.Destination, params)
	if err != nil {
		e.log.Warn().Err(err).Str("source", r.Source).Str("destination", r.Destination).Msg("Could not build destination, using literal")
		dest, err = url.Parse(r.Destination)
		if err != nil {
			e.log.Error().Err(err).Str("destination", r.Destination).Msg("Skipping rule with unparseable destination")
			return nil, false, false
		}
	}

	q := make(url.Values, len(req.Query))
	for k, vs := range req.Query {
		q[k] = append([]string(nil), vs...)
	}
	for k, vs := range dest.Query() {
		q[k] = vs
	}
	dest.RawQuery = q.Encode()

	external := dest.Host != "" && !strings.EqualFold(dest.Host, req.Host())
	if dest.Host == "" {
		p := dest.EscapedPath()
		if locale != "" {
			if l, _ := splitLocale(e.m.I18n, p); l == "" {
				if p == "/" {
					p = "/" + locale
				} else {
					p = "/" + locale + p
				}
			}
		}
		dest.Path, dest.RawPath = "", ""
		if unescaped, err := url.PathUnescape(basePrefix + p); err == nil {
			dest.Path = unescaped
			dest.RawPath = basePrefix + p
		} else {
			dest.Path = basePrefix + p
		}
	}
	return dest, external, true
}

// StripBasePath removes the configured base path. ok is false when the path
// lies outside it.
func (e *Engine) StripBasePath(path string) (string, bool) {
	bp := e.m.BasePath
	if bp == "" {
		return path, true
	}
	if path == bp {
		return "/", true
	}
	if strings.HasPrefix(path, bp+"/") {
		return path[len(bp):], true
	}
	return path, false
}

// NormalizedPath strips base path and locale prefix.
func (e *Engine) NormalizedPath(path string) (normalized, locale string) {
	inner, _ := e.StripBasePath(path)
	locale, inner = splitLocale(e.m.I18n, inner)
	return inner, locale
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
