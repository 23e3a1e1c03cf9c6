package routing

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

const tracerName = "edgerouter/routing"

// Result is what the routing pipeline hands to the cache layer.
type Result struct {
	// Request is the request to serve, after every rewrite.
	Request *edge.Request
	// Response is set when routing produced a terminal answer (redirect or a
	// middleware response).
	Response *edge.Response
	// ResponseHeaders from middleware, merged into the final response.
	ResponseHeaders http.Header
	StatusOverride  int

	ExternalRewrite bool
	IsISR           bool
	// NotFound is set by the fallback resolver. The request must not reach
	// the renderer.
	NotFound bool
	// Unroutable is set when no route matched and the request was rewritten
	// to the not-found page.
	Unroutable bool

	Matches           Matches
	DataRequest       bool
	MiddlewareInvoked bool
	MiddlewareErr     error
	Rewrites          []string
}

// Router runs the ordered routing pipeline.
type Router struct {
	m          *manifest.Manifest
	engine     *Engine
	resolver   *Resolver
	middleware *MiddlewareAdapter
	fallback   *FallbackResolver
	log        zerolog.Logger
	tracer     trace.Tracer
}

// Option configures a Router.
type Option func(*routerOptions)

type routerOptions struct {
	middleware Func
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// WithMiddleware installs the user middleware function.
func WithMiddleware(fn Func) Option {
	return func(o *routerOptions) { o.middleware = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *routerOptions) { o.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *routerOptions) { o.tracer = t }
}

func NewRouter(m *manifest.Manifest, opts ...Option) *Router {
	o := routerOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	engine := NewEngine(m, o.logger)
	resolver := NewResolver(m)
	return &Router{
		m:          m,
		engine:     engine,
		resolver:   resolver,
		middleware: NewMiddlewareAdapter(m, engine, o.middleware, o.logger),
		fallback:   NewFallbackResolver(m, engine, resolver),
		log:        o.logger.With().Str("component", "router").Logger(),
		tracer:     o.tracer,
	}
}

// Engine exposes the rewrite engine for path normalization.
func (r *Router) Engine() *Engine { return r.engine }

// Route runs redirects, middleware, rewrite phases and the fallback
// resolver. It never fails: middleware errors are turned into an internal
// rewrite to the error page and reported on Result.MiddlewareErr.
func (r *Router) Route(ctx context.Context, req *edge.Request) *Result {
	ctx, span := r.tracer.Start(ctx, "routing.Route", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("edge.path", req.RawPath),
	))
	defer span.End()

	res := r.route(ctx, req)
	switch {
	case res.Response != nil:
		span.SetAttributes(attribute.Int("edge.terminal_status", res.Response.StatusCode))
	case res.MiddlewareErr != nil:
		span.RecordError(res.MiddlewareErr)
		span.SetStatus(codes.Error, "middleware failed")
	default:
		span.SetAttributes(
			attribute.String("edge.routed_path", res.Request.RawPath),
			attribute.Bool("edge.external", res.ExternalRewrite),
			attribute.Bool("edge.isr", res.IsISR),
		)
	}
	return res
}

func (r *Router) route(ctx context.Context, req *edge.Request) *Result {
	req, isData := r.normalizeDataRequest(req)
	res := &Result{Request: req, DataRequest: isData}

	if redirect := r.engine.Redirects(req); redirect != nil {
		res.Response = redirect
		return res
	}

	mw, err := r.runMiddleware(ctx, req)
	res.MiddlewareInvoked = mw.Invoked
	if err != nil {
		r.log.Error().Err(err).Str("path", req.RawPath).Msg("Middleware failed, serving error page")
		res.MiddlewareErr = err
		res.Request = errorRequest(r.m, req)
		res.StatusOverride = http.StatusInternalServerError
		return res
	}
	if mw.Response != nil {
		res.Response = mw.Response
		return res
	}
	req = mw.Request
	res.Request = req
	res.ResponseHeaders = mw.ResponseHeaders
	res.StatusOverride = mw.StatusOverride
	if mw.External {
		res.ExternalRewrite = true
		return res
	}

	req, ok := r.rewritePhases(ctx, req, res)
	res.Request = req
	if !ok {
		return res
	}

	fb := r.fallback.Resolve(req)
	if fb.NotFound {
		r.log.Debug().Str("path", req.RawPath).Str("route", fb.Route).Msg("Fallback disabled, rewriting to 404")
		res.Request = fb.Request
		res.NotFound = true
		res.StatusOverride = http.StatusNotFound
		mergeHeaders(res, notFoundHeaders())
		return res
	}
	res.IsISR = fb.IsISR

	path, locale := r.engine.NormalizedPath(req.RawPath)
	res.Matches = r.resolver.Resolve(path)
	if res.Matches.Empty() && !res.IsISR && !r.passthrough(path) {
		r.log.Debug().Str("path", req.RawPath).Msg("No route matched, rewriting to 404")
		res.Request = notFoundRequest(r.m, req, locale)
		res.Unroutable = true
		res.StatusOverride = http.StatusNotFound
		mergeHeaders(res, notFoundHeaders())
	}
	return res
}

func (r *Router) runMiddleware(ctx context.Context, req *edge.Request) (MiddlewareResult, error) {
	if !r.middleware.Matches(req) {
		return MiddlewareResult{Request: req}, nil
	}
	ctx, span := r.tracer.Start(ctx, "routing.middleware")
	defer span.End()
	mw, err := r.middleware.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return mw, err
}

// rewritePhases applies before-files, after-files and fallback rewrites
// interleaved with route matching. ok is false when an external rewrite
// ended internal routing.
func (r *Router) rewritePhases(ctx context.Context, req *edge.Request, res *Result) (*edge.Request, bool) {
	_, span := r.tracer.Start(ctx, "routing.rewrites")
	defer span.End()

	apply := func(rules []manifest.Rule) bool {
		rr := r.engine.ApplyRewrites(req, rules)
		if !rr.Matched {
			return true
		}
		res.Rewrites = append(res.Rewrites, rr.Rule)
		req = rr.Request
		if rr.External {
			res.ExternalRewrite = true
			return false
		}
		return true
	}

	if !apply(r.m.Rewrites.BeforeFiles) {
		return req, false
	}
	path, _ := r.engine.NormalizedPath(req.RawPath)
	if len(r.resolver.MatchStatic(path)) > 0 {
		return req, true
	}
	if !apply(r.m.Rewrites.AfterFiles) {
		return req, false
	}
	path, _ = r.engine.NormalizedPath(req.RawPath)
	if !r.resolver.Resolve(path).Empty() {
		return req, true
	}
	if !apply(r.m.Rewrites.Fallback) {
		return req, false
	}
	return req, true
}

// normalizeDataRequest maps /_next/data/<buildId>/<path>.json to the page
// path and marks the request as a data request.
func (r *Router) normalizeDataRequest(req *edge.Request) (*edge.Request, bool) {
	inner, ok := r.engine.StripBasePath(req.RawPath)
	if !ok {
		return req, req.Headers.Get(edge.HeaderNextData) != ""
	}
	rest, ok := strings.CutPrefix(inner, "/_next/data/")
	if !ok || !strings.HasSuffix(rest, ".json") {
		return req, req.Headers.Get(edge.HeaderNextData) != ""
	}
	buildID, page, ok := strings.Cut(rest, "/")
	if !ok || (r.m.BuildID != "" && buildID != r.m.BuildID) {
		return req, false
	}
	page = "/" + strings.TrimSuffix(page, ".json")
	switch {
	case page == "/index":
		page = "/"
	case strings.HasSuffix(page, "/index"):
		if l, rest := splitLocale(r.m.I18n, strings.TrimSuffix(page, "/index")); l != "" && rest == "/" {
			page = strings.TrimSuffix(page, "/index")
		}
	}
	if r.m.TrailingSlash && page != "/" {
		page += "/"
	}
	path := r.m.BasePath + page
	if path == "" {
		path = "/"
	}
	out := req.WithPath(path)
	out.Headers.Set(edge.HeaderNextData, "1")
	return out, true
}

func (r *Router) passthrough(path string) bool {
	return path == r.m.Images.Path || strings.HasPrefix(path, "/_next/static/")
}

// errorRequest rewrites req to the internal error page, keeping method and
// headers and recording the original path.
func errorRequest(m *manifest.Manifest, req *edge.Request) *edge.Request {
	out := req.WithPath(m.BasePath + "/500")
	out.Headers.Set(edge.HeaderOriginalPath, req.RawPath)
	out.Headers.Set(edge.HeaderEdgeStatus, "500")
	return out
}

func mergeHeaders(res *Result, h http.Header) {
	if res.ResponseHeaders == nil {
		res.ResponseHeaders = make(http.Header)
	}
	for k, vs := range h {
		res.ResponseHeaders[k] = vs
	}
}
