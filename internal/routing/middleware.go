package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// Geo is the viewer location derived from edge-provided headers.
type Geo struct {
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// MiddlewareConfig is the slice of routing config visible to middleware.
type MiddlewareConfig struct {
	BasePath      string   `json:"basePath"`
	Locales       []string `json:"locales,omitempty"`
	TrailingSlash bool     `json:"trailingSlash"`
}

// MiddlewareRequest is what the user function sees.
type MiddlewareRequest struct {
	Kind    edge.Kind        `json:"kind"`
	Method  string           `json:"method"`
	URL     string           `json:"url"`
	Headers http.Header      `json:"headers"`
	Geo     Geo              `json:"geo"`
	Config  MiddlewareConfig `json:"nextConfig"`
	IP      string           `json:"ip,omitempty"`
	Body    []byte           `json:"body,omitempty"`
}

// Header returns the first value of a request header.
func (r *MiddlewareRequest) Header(name string) string { return r.Headers.Get(name) }

// Func is the user-supplied request transformation.
type Func func(ctx context.Context, req *MiddlewareRequest) (*edge.Response, error)

// MiddlewareResult is the reconciled outcome of one middleware invocation.
type MiddlewareResult struct {
	Invoked bool
	// Response is set when the middleware answered the request itself.
	Response *edge.Response
	Request  *edge.Request
	// ResponseHeaders are merged into whatever response is finally served.
	ResponseHeaders http.Header
	External        bool
	StatusOverride  int
}

var middlewareHeaderDenylist = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

var geoHeaders = struct{ city, country, region, lat, long string }{
	city:    "cloudfront-viewer-city",
	country: "cloudfront-viewer-country",
	region:  "cloudfront-viewer-country-region",
	lat:     "cloudfront-viewer-latitude",
	long:    "cloudfront-viewer-longitude",
}

// MiddlewareAdapter invokes the middleware function and folds its header
// conventions back into the routing pipeline.
type MiddlewareAdapter struct {
	m      *manifest.Manifest
	engine *Engine
	fn     Func
	log    zerolog.Logger
}

func NewMiddlewareAdapter(m *manifest.Manifest, engine *Engine, fn Func, logger zerolog.Logger) *MiddlewareAdapter {
	return &MiddlewareAdapter{
		m:      m,
		engine: engine,
		fn:     fn,
		log:    logger.With().Str("component", "middleware").Logger(),
	}
}

// Matches reports whether the middleware applies to req.
func (a *MiddlewareAdapter) Matches(req *edge.Request) bool {
	if a.fn == nil {
		return false
	}
	path, _ := a.engine.NormalizedPath(req.RawPath)
	return a.m.MiddlewareMatches(path)
}

// Run invokes the middleware at most once. Errors from the function are
// returned unchanged in meaning; the caller decides how to recover.
func (a *MiddlewareAdapter) Run(ctx context.Context, req *edge.Request) (MiddlewareResult, error) {
	if !a.Matches(req) {
		return MiddlewareResult{Request: req}, nil
	}
	res, err := a.fn(ctx, a.view(req))
	if err != nil {
		return MiddlewareResult{Invoked: true, Request: req}, fmt.Errorf("middleware %s %s: %w", req.Method, req.RawPath, err)
	}
	if res == nil {
		return MiddlewareResult{Invoked: true, Request: req}, nil
	}
	return a.reconcile(req, res), nil
}

func (a *MiddlewareAdapter) view(req *edge.Request) *MiddlewareRequest {
	var locales []string
	if a.m.I18n != nil {
		locales = append(locales, a.m.I18n.Locales...)
	}
	h := req.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return &MiddlewareRequest{
		Kind:    edge.KindMiddleware,
		Method:  req.Method,
		URL:     req.URL,
		Headers: h,
		Geo: Geo{
			City:      unescapeHeader(req.Headers.Get(geoHeaders.city)),
			Country:   req.Headers.Get(geoHeaders.country),
			Region:    req.Headers.Get(geoHeaders.region),
			Latitude:  req.Headers.Get(geoHeaders.lat),
			Longitude: req.Headers.Get(geoHeaders.long),
		},
		Config: MiddlewareConfig{
			BasePath:      a.m.BasePath,
			Locales:       locales,
			TrailingSlash: a.m.TrailingSlash,
		},
		IP:   req.RemoteAddr,
		Body: req.Body,
	}
}

func (a *MiddlewareAdapter) reconcile(req *edge.Request, res *edge.Response) MiddlewareResult {
	respHeaders := make(http.Header)
	overrides := make(http.Header)
	for k, vs := range res.Headers {
		lk := strings.ToLower(k)
		switch {
		case strings.HasPrefix(lk, edge.HeaderMiddlewareRequestPrefix):
			name := lk[len(edge.HeaderMiddlewareRequestPrefix):]
			if name != "" {
				overrides[http.CanonicalHeaderKey(name)] = append([]string(nil), vs...)
			}
		case strings.HasPrefix(lk, edge.HeaderMiddlewarePrefix), middlewareHeaderDenylist[lk]:
		case lk == "set-cookie":
			for _, v := range vs {
				respHeaders.Add("Set-Cookie", v)
			}
		case lk == "location":
			if len(vs) > 0 {
				respHeaders.Set("Location", normalizeLocation(vs[0], req))
			}
		default:
			for _, v := range vs {
				respHeaders.Add(k, v)
			}
		}
	}

	rewrite := res.Headers.Get(edge.HeaderMiddlewareRewrite)
	next := res.Headers.Get(edge.HeaderMiddlewareNext)
	if rewrite == "" && next == "" {
		status := res.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		a.log.Debug().Str("path", req.RawPath).Int("status", status).Msg("Middleware answered request")
		return MiddlewareResult{
			Invoked: true,
			Request: req,
			Response: &edge.Response{
				StatusCode:      status,
				Headers:         respHeaders,
				Body:            res.Body,
				IsBase64Encoded: res.IsBase64Encoded,
			},
		}
	}

	out := MiddlewareResult{Invoked: true, Request: req, ResponseHeaders: respHeaders}
	updated := req.Clone()
	applyOverrides(updated.Headers, overrides, res.Headers.Get(edge.HeaderMiddlewareOverrideHeaders))
	updated.Cookies = edge.ParseCookies(updated.Headers)

	if rewrite != "" {
		base, err := url.Parse(req.URL)
		if err != nil {
			base = &url.URL{Scheme: "http", Host: req.Host()}
		}
		target, err := url.Parse(rewrite)
		if err != nil {
			a.log.Warn().Err(err).Str("rewrite", rewrite).Msg("Ignoring malformed middleware rewrite")
			out.Request = updated
			return out
		}
		u := base.ResolveReference(target)
		if !strings.EqualFold(u.Host, req.Host()) {
			out.External = true
			out.Request = updated.WithURL(u)
		} else {
			q := cloneQuery(req.Query)
			for k, vs := range u.Query() {
				q[k] = vs
			}
			out.Request = updated.WithPathAndQuery(u.EscapedPath(), q)
		}
		if res.StatusCode != 0 && res.StatusCode != http.StatusOK {
			out.StatusOverride = res.StatusCode
		}
		a.log.Debug().Str("path", req.RawPath).Str("rewrite", u.String()).Bool("external", out.External).Msg("Middleware rewrote request")
		return out
	}

	out.Request = updated
	return out
}

// applyOverrides merges middleware request-header overrides into h. When the
// middleware published its full override list, listed headers without a
// value are removed.
func applyOverrides(h, overrides http.Header, list string) {
	for k, vs := range overrides {
		h[k] = vs
	}
	if list == "" {
		return
	}
	for _, name := range strings.Split(list, ",") {
		key := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if _, ok := overrides[key]; !ok {
			h.Del(key)
		}
	}
}

// normalizeLocation turns same-origin locations into path+query and leaves
// foreign ones absolute.
func normalizeLocation(loc string, req *edge.Request) string {
	base, err := url.Parse(req.URL)
	if err != nil || base.Host == "" {
		base = &url.URL{Scheme: "http", Host: req.Host()}
	}
	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	abs := base.ResolveReference(u)
	if strings.EqualFold(abs.Host, req.Host()) {
		out := abs.EscapedPath()
		if abs.RawQuery != "" {
			out += "?" + abs.RawQuery
		}
		if abs.Fragment != "" {
			out += "#" + abs.EscapedFragment()
		}
		return out
	}
	return abs.String()
}

func unescapeHeader(v string) string {
	if s, err := url.QueryUnescape(v); err == nil {
		return s
	}
	return v
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
