// Package edgerouter wires the routing pipeline, the ISR interceptor and
// their stores into an HTTP service.
package edgerouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"edgerouter/internal/edge"
	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
	"edgerouter/internal/queue"
	"edgerouter/internal/routing"
	"edgerouter/internal/store"
)

// RevalidationQueue is a queue the service can both feed and drain.
type RevalidationQueue interface {
	isr.Queue
	Start(ctx context.Context, h queue.Handler)
	Close() error
	Stats() queue.Stats
	Shards() int
}

// TagStore answers invalidation queries and records on-demand
// revalidations.
type TagStore interface {
	isr.TagStore
	RevalidateTags(ctx context.Context, tags []string, t time.Time) error
}

type Service struct {
	cfg Config
	m   *manifest.Manifest

	router      *routing.Router
	resolver    *routing.Resolver
	interceptor *isr.Interceptor

	content store.Store
	tags    TagStore
	queue   RevalidationQueue

	renderer    *OriginRenderer
	external    *ExternalProxy
	revalidator *queue.Revalidator

	registry *prometheus.Registry
	metrics  *Metrics
	stats    *statsCollector
	tracer   trace.Tracer
	log      zerolog.Logger

	closers []io.Closer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption replaces a collaborator built from the config.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger     zerolog.Logger
	manifest   *manifest.Manifest
	content    store.Store
	tags       TagStore
	queue      RevalidationQueue
	middleware routing.Func
	client     *http.Client
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

func WithManifest(m *manifest.Manifest) ServiceOption {
	return func(o *serviceOptions) { o.manifest = m }
}

func WithContentStore(s store.Store) ServiceOption {
	return func(o *serviceOptions) { o.content = s }
}

func WithTagStore(t TagStore) ServiceOption {
	return func(o *serviceOptions) { o.tags = t }
}

func WithQueue(q RevalidationQueue) ServiceOption {
	return func(o *serviceOptions) { o.queue = q }
}

// WithMiddlewareFunc installs an in-process middleware function instead of
// the remote one.
func WithMiddlewareFunc(fn routing.Func) ServiceOption {
	return func(o *serviceOptions) { o.middleware = fn }
}

// WithOriginClient sets the HTTP client used to reach the origin.
func WithOriginClient(c *http.Client) ServiceOption {
	return func(o *serviceOptions) { o.client = c }
}

func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	o := serviceOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Service{
		cfg:      cfg,
		log:      o.logger.With().Str("component", "service").Logger(),
		stats:    newStatsCollector(),
		tracer:   otel.Tracer("edgerouter/service"),
		registry: prometheus.NewRegistry(),
	}
	ok := false
	defer func() {
		if !ok {
			s.closeAll()
		}
	}()

	s.m = o.manifest
	if s.m == nil {
		m, err := manifest.Load(cfg.Server.Manifest)
		if err != nil {
			return nil, fmt.Errorf("load manifest: %w", err)
		}
		s.m = m
	}

	var err error
	if s.content = o.content; s.content == nil {
		if s.content, err = s.openContentStore(o.logger); err != nil {
			return nil, err
		}
	}
	if s.tags = o.tags; s.tags == nil {
		if s.tags, err = s.openTagStore(); err != nil {
			return nil, err
		}
	}
	if s.queue = o.queue; s.queue == nil {
		s.queue = s.openQueue(o.logger)
	}

	if s.renderer, err = NewOriginRenderer(cfg.Server.Origin, o.client); err != nil {
		return nil, err
	}
	s.external = NewExternalProxy(cfg.externalTimeout)
	previewID := cfg.Server.PreviewModeID
	if previewID == "" {
		previewID = s.m.Prerender.PreviewModeID
	}
	if s.revalidator, err = queue.NewRevalidator(cfg.Server.Origin, previewID, o.client, o.logger); err != nil {
		return nil, err
	}

	mw := o.middleware
	if mw == nil && cfg.Middleware.URL != "" {
		mw = RemoteMiddleware(cfg.Middleware.URL, cfg.middlewareTimeout)
	}
	s.router = routing.NewRouter(s.m, routing.WithMiddleware(mw), routing.WithLogger(o.logger))
	s.resolver = routing.NewResolver(s.m)
	s.interceptor = isr.New(s.m, s.content, s.tags, s.queue,
		isr.WithShards(s.queue.Shards()),
		isr.WithLogger(o.logger),
	)

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = NewMetrics(WithNamespace(cfg.Metrics.Namespace), WithRegistry(s.registry))
	s.metrics.observeQueue(s.queue.Stats)

	ok = true
	return s, nil
}

func (s *Service) openContentStore(logger zerolog.Logger) (store.Store, error) {
	c := s.cfg.Storage
	switch c.Kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "s3":
		return store.NewS3Store(newS3Client(s.cfg), c.S3.Bucket, c.S3.Prefix), nil
	}
	if err := os.MkdirAll(c.Disk.Path, 0o755); err != nil {
		return nil, err
	}
	st, err := store.NewTieredStore(store.TieredConfig{
		Path:     c.Disk.Path,
		RAMBytes: s.cfg.ramBytes,
		DiskMax:  s.cfg.diskBytes,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, st)
	return st, nil
}

func (s *Service) openTagStore() (TagStore, error) {
	if s.cfg.Tags.Kind == "memory" {
		return store.NewMemoryTagStore(), nil
	}
	if dir := filepath.Dir(s.cfg.Tags.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	ts, err := store.NewSQLiteTagStore(s.cfg.Tags.Path)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, ts)
	return ts, nil
}

// openQueue falls back to the in-memory queue when Redis is unreachable.
func (s *Service) openQueue(logger zerolog.Logger) RevalidationQueue {
	c := s.cfg.Queue
	if c.Kind == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			s.closers = append(s.closers, rdb)
			return queue.NewRedisQueue(rdb, c.Shards,
				queue.WithRedisPrefix(c.Redis.Prefix),
				queue.WithRedisDedupWindow(s.cfg.dedupWindow),
				queue.WithRedisClaimIdle(s.cfg.claimIdle),
				queue.WithRedisLogger(logger),
			)
		}
		_ = rdb.Close()
		s.log.Warn().Err(err).Str("addr", c.Redis.Addr).Msg("Redis unavailable, falling back to in-memory queue")
	}
	return queue.NewMemoryQueue(c.Shards, queue.WithDedupWindow(s.cfg.dedupWindow), queue.WithLogger(logger))
}

func newS3Client(cfg Config) *s3.Client {
	c := cfg.Storage.S3
	opts := s3.Options{
		Region:       c.Region,
		UsePathStyle: c.PathStyle,
		Credentials:  aws.AnonymousCredentials{},
	}
	if c.Endpoint != "" {
		opts.BaseEndpoint = aws.String(c.Endpoint)
	}
	if id := os.Getenv("AWS_ACCESS_KEY_ID"); id != "" {
		creds := aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "Environment",
		}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	}
	return s3.New(opts)
}

// Start launches the revalidation consumers and background loops.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.queue.Start(ctx, s.refresh)

	if every := s.cfg.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(ctx, every)
		}()
	}
	if s.cfg.Warmup.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(ctx)
		}()
	}
}

// Close stops background work, drains the queue and closes the stores.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	err := s.queue.Close()
	return errors.Join(err, s.closeAll())
}

func (s *Service) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Handler returns the HTTP surface: admin endpoints under /_edge and the
// routing pipeline for everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/_edge", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/shard", s.handleShard)
		r.Post("/revalidate", s.handleRevalidate)
	})
	r.Handle("/*", http.HandlerFunc(s.serveHTTP))
	return r
}

func (s *Service) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := s.edgeRequest(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	res, outcome := s.Serve(r.Context(), req)
	writeResponse(w, r.Method, res)

	s.metrics.requests.WithLabelValues(outcome, statusClass(res.StatusCode)).Inc()
	s.metrics.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	s.stats.Observe(len(res.Body), outcome == "cache")
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.RequestURI()).
		Str("outcome", outcome).
		Str("cache", res.Headers.Get(edge.HeaderCacheStatus)).
		Int("status", res.StatusCode).
		Str("reqId", middleware.GetReqID(r.Context())).
		Msg("Request")
}

// edgeRequest converts an inbound HTTP request into a normalized request.
func (s *Service) edgeRequest(w http.ResponseWriter, r *http.Request) (*edge.Request, error) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.maxBodyBytes))
		if err != nil {
			return nil, err
		}
		body = b
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	headers := r.Header.Clone()
	headers.Set("Host", r.Host)

	remote := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		remote = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return edge.NewRequest(r.Method, scheme+"://"+r.Host+r.URL.RequestURI(), headers, body, remote)
}

// Serve runs the whole pipeline for one request. outcome names the stage
// that produced the response.
func (s *Service) Serve(ctx context.Context, req *edge.Request) (*edge.Response, string) {
	ctx, span := s.tracer.Start(ctx, "edge.Serve", trace.WithAttributes(attribute.String("edge.path", req.RawPath)))
	defer span.End()

	res, outcome := s.serve(ctx, req)
	span.SetAttributes(attribute.String("edge.outcome", outcome), attribute.Int("http.status_code", res.StatusCode))
	return res, outcome
}

func (s *Service) serve(ctx context.Context, req *edge.Request) (*edge.Response, string) {
	rt := s.router.Route(ctx, req)
	if rt.MiddlewareInvoked {
		s.metrics.middlewareInvoked.Inc()
	}
	if rt.MiddlewareErr != nil {
		s.metrics.middlewareErrors.Inc()
	}
	s.metrics.rewrites.Add(float64(len(rt.Rewrites)))

	if rt.Response != nil {
		if loc := rt.Response.Headers.Get("Location"); loc != "" && rt.Response.StatusCode >= 300 && rt.Response.StatusCode < 400 {
			s.metrics.redirects.WithLabelValues(fmt.Sprint(rt.Response.StatusCode)).Inc()
			return finish(rt, rt.Response), "redirect"
		}
		return finish(rt, rt.Response), "middleware"
	}

	if rt.ExternalRewrite {
		res, err := s.external.Fetch(ctx, rt.Request)
		if err != nil {
			s.log.Warn().Err(err).Str("url", rt.Request.URL).Msg("External rewrite failed")
			return finish(rt, badGateway()), "external"
		}
		return finish(rt, res), "external"
	}

	if rt.NotFound {
		return finish(rt, s.notFound(ctx, rt)), "not-found"
	}

	d := s.interceptor.Intercept(ctx, rt.Request, isr.Options{
		IsISR:          rt.IsISR,
		DataRequest:    rt.DataRequest,
		StatusOverride: rt.StatusOverride,
	})
	status := string(d.Status)
	if status == "" {
		status = "none"
	}
	s.metrics.cacheDecisions.WithLabelValues(string(d.Outcome), status).Inc()
	if d.Response != nil {
		return finish(rt, d.Response), "cache"
	}

	renderReq := rt.Request
	if rt.DataRequest {
		// the origin answers data requests on the data route only
		target, _ := s.variantRequest(rt.Request.RawPath, variantData)
		renderReq = rt.Request.WithPath(target)
	}
	res, err := s.renderer.Render(ctx, renderReq)
	if err != nil {
		s.log.Warn().Err(err).Str("path", rt.Request.RawPath).Msg("Origin render failed")
		return finish(rt, badGateway()), "render"
	}
	if d.Outcome == isr.OutcomeMiss || d.Outcome == isr.OutcomeInvalidated {
		s.capture(ctx, rt, d.Key, res)
	}
	return finish(rt, res), "render"
}

// notFound serves the cached 404 page or a plain one. The renderer is never
// called.
func (s *Service) notFound(ctx context.Context, rt *routing.Result) *edge.Response {
	key := s.interceptor.CacheKey(rt.Request.RawPath)
	if ent, err := s.content.Get(ctx, key); err == nil && ent != nil {
		if page, ok := ent.Value.(*isr.PageValue); ok && page.HTML != nil {
			res := edge.NewResponse(http.StatusNotFound)
			edge.CopyHeaders(res.Headers, page.Headers)
			res.Headers.Set("Content-Type", "text/html; charset=utf-8")
			res.Body = page.HTML
			return res
		}
	} else if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Content store lookup for 404 page failed")
	}
	res := edge.NewResponse(http.StatusNotFound)
	res.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	res.Body = []byte("404 page not found\n")
	return res
}

// capture stores a rendered ISR response so later requests hit the cache.
func (s *Service) capture(ctx context.Context, rt *routing.Result, key string, res *edge.Response) {
	if rt.Request.Method != http.MethodGet || rt.StatusOverride != 0 || !cacheable(res) {
		return
	}
	v, ok := requestVariant(rt.Request, rt.DataRequest)
	if !ok {
		return
	}
	cur, err := s.content.Get(ctx, key)
	if err != nil {
		return
	}
	ent := buildEntry(cur, routeKind(rt.Matches.Static, rt.Matches.Dynamic), v, res, time.Now())
	s.put(ctx, key, ent)
}

func (s *Service) put(ctx context.Context, key string, ent *isr.CacheEntry) {
	err := s.content.Put(ctx, key, ent)
	switch {
	case err == nil:
		s.metrics.storeWrites.WithLabelValues("ok").Inc()
	case errors.Is(err, store.ErrStale):
		s.metrics.storeWrites.WithLabelValues("stale").Inc()
	default:
		s.metrics.storeWrites.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Str("key", key).Msg("Content store write failed")
	}
}

// finish merges middleware response headers and the status override into
// the final response.
func finish(rt *routing.Result, res *edge.Response) *edge.Response {
	if res.Headers == nil {
		res.Headers = make(http.Header)
	}
	for k, vs := range rt.ResponseHeaders {
		if strings.EqualFold(k, "Set-Cookie") {
			for _, v := range vs {
				res.Headers.Add(k, v)
			}
			continue
		}
		res.Headers[k] = vs
	}
	if rt.StatusOverride != 0 {
		res.StatusCode = rt.StatusOverride
	}
	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}
	return res
}

func badGateway() *edge.Response {
	res := edge.NewResponse(http.StatusBadGateway)
	res.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	res.Headers.Set("Cache-Control", edge.NoCacheControl)
	res.Body = []byte("bad gateway\n")
	return res
}

func writeResponse(w http.ResponseWriter, method string, res *edge.Response) {
	h := w.Header()
	for k, vs := range res.Headers {
		h[k] = vs
	}
	// browsers only let scripts read the diagnostics when exposed
	for _, name := range []string{edge.HeaderCacheStatus, edge.HeaderEdgeStatus} {
		if h.Get(name) != "" {
			ensureExposedHeader(h, name)
		}
	}
	w.WriteHeader(res.StatusCode)
	if method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
