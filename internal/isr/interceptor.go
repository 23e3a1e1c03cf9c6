// Package isr serves incrementally regenerated artifacts from the content
// store and schedules their background regeneration.
package isr

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
	"edgerouter/internal/queue"
	"edgerouter/internal/routing"
)

const (
	cookiePreviewBypass = "__prerender_bypass"
	cookiePreviewData   = "__next_preview_data"
)

// Outcome says why the interceptor did or did not answer.
type Outcome string

const (
	OutcomeServed      Outcome = "served"
	OutcomeBypass      Outcome = "bypass"
	OutcomeNotISR      Outcome = "not-isr"
	OutcomeMiss        Outcome = "miss"
	OutcomeInvalidated Outcome = "invalidated"
)

// Options carries the routing facts the interceptor needs.
type Options struct {
	IsISR          bool
	DataRequest    bool
	StatusOverride int
}

// Decision is the interceptor result. A nil Response means the request
// goes to the renderer.
type Decision struct {
	Response *edge.Response
	Outcome  Outcome
	Status   Status
	Reason   string
	Key      string
	Enqueued bool
}

// Interceptor answers ISR requests from the content store.
type Interceptor struct {
	m       *manifest.Manifest
	engine  *routing.Engine
	content ContentStore
	tags    TagStore
	queue   Queue
	shards  int
	now     func() time.Time
	log     zerolog.Logger
	tracer  trace.Tracer
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithShards sets the shard count used for partition keys.
func WithShards(n int) Option {
	return func(i *Interceptor) {
		if n > 0 {
			i.shards = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(i *Interceptor) { i.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(i *Interceptor) { i.tracer = t }
}

func New(m *manifest.Manifest, content ContentStore, tags TagStore, q Queue, opts ...Option) *Interceptor {
	i := &Interceptor{
		m:       m,
		content: content,
		tags:    tags,
		queue:   q,
		shards:  1,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.tracer == nil {
		i.tracer = otel.Tracer("edgerouter/isr")
	}
	i.log = i.log.With().Str("component", "isr").Logger()
	i.engine = routing.NewEngine(m, i.log)
	return i
}

// CacheKey maps a request path to its content store key: base path and
// locale stripped, each segment percent-decoded, no trailing slash.
func (i *Interceptor) CacheKey(rawPath string) string {
	path, _ := i.engine.NormalizedPath(rawPath)
	return decodeKey(path)
}

func decodeKey(path string) string {
	segs := strings.Split(path, "/")
	for n, s := range segs {
		if d, err := url.PathUnescape(s); err == nil {
			segs[n] = d
		}
	}
	key := strings.Join(segs, "/")
	if len(key) > 1 {
		key = strings.TrimRight(key, "/")
	}
	if key == "" {
		key = "/"
	}
	return key
}

// Intercept decides whether req can be answered from the cache.
func (i *Interceptor) Intercept(ctx context.Context, req *edge.Request, opts Options) Decision {
	ctx, span := i.tracer.Start(ctx, "isr.Intercept", trace.WithAttributes(attribute.String("edge.path", req.RawPath)))
	defer span.End()

	d := i.intercept(ctx, req, opts)
	span.SetAttributes(
		attribute.String("isr.outcome", string(d.Outcome)),
		attribute.String("isr.key", d.Key),
	)
	if d.Status != "" {
		span.SetAttributes(attribute.String("isr.status", string(d.Status)))
	}
	return d
}

func (i *Interceptor) intercept(ctx context.Context, req *edge.Request, opts Options) Decision {
	if reason := i.bypassReason(req); reason != "" {
		return Decision{Outcome: OutcomeBypass, Reason: reason}
	}

	path, locale := i.engine.NormalizedPath(req.RawPath)
	key := decodeKey(path)
	if !opts.IsISR && !i.isPrerender(key, locale) {
		return Decision{Outcome: OutcomeNotISR, Key: key}
	}
	if reason := i.entryBypassReason(req, key, locale); reason != "" {
		return Decision{Outcome: OutcomeBypass, Key: key, Reason: reason}
	}

	entry, err := i.content.Get(ctx, key)
	if err != nil {
		i.log.Warn().Err(err).Str("key", key).Msg("Content store lookup failed, rendering")
		return Decision{Outcome: OutcomeMiss, Key: key, Reason: "store error"}
	}
	if entry == nil || entry.Value == nil {
		return Decision{Outcome: OutcomeMiss, Key: key}
	}

	if tags := entry.Tags(); len(tags) > 0 && i.tags != nil {
		invalid, err := i.tags.WasRevalidatedAfter(ctx, tags, entry.LastModified)
		if err != nil {
			i.log.Warn().Err(err).Str("key", key).Strs("tags", tags).Msg("Tag store lookup failed, treating entry as valid")
		} else if invalid {
			i.log.Debug().Str("key", key).Strs("tags", tags).Msg("Entry invalidated by tag")
			return Decision{Outcome: OutcomeInvalidated, Key: key}
		}
	}

	if !hasRepresentation(entry.Value, req, opts) {
		return Decision{Outcome: OutcomeMiss, Key: key, Reason: "representation missing"}
	}

	rev := entry.Revalidate
	if !rev.Set {
		if r, ok := i.prerenderRoute(key, locale); ok {
			rev = r.InitialRevalidate
		}
	}
	fresh := ComputeFreshness(rev, entry.LastModified, i.now())

	d := Decision{Outcome: OutcomeServed, Key: key, Status: fresh.Status}
	if fresh.Stale() {
		d.Enqueued = i.enqueue(ctx, req, key, entry)
	}
	d.Response = i.respond(req, entry, fresh, opts)
	i.log.Debug().Str("key", key).Str("cache", string(fresh.Status)).Int("status", d.Response.StatusCode).Msg("Served from cache")
	return d
}

func (i *Interceptor) bypassReason(req *edge.Request) string {
	switch {
	case req.Method != http.MethodGet && req.Method != http.MethodHead:
		return "method"
	case req.Headers.Get(edge.HeaderNextAction) != "":
		return "server action"
	case req.Headers.Get(edge.HeaderPrerenderRevalidate) != "":
		return "on-demand revalidation"
	case i.isPreview(req):
		return "preview"
	}
	return conditionBypass(req, i.m.Prerender.BypassFor)
}

// entryBypassReason checks the conditions attached to the prerender entry
// serving key: the exact path entry, else the matching dynamic route.
func (i *Interceptor) entryBypassReason(req *edge.Request, key, locale string) string {
	if r, ok := i.prerenderRoute(key, locale); ok {
		return conditionBypass(req, r.BypassFor)
	}
	if _, d, ok := i.m.DynamicPrerender(key); ok {
		return conditionBypass(req, d.BypassFor)
	}
	return ""
}

func conditionBypass(req *edge.Request, conds []manifest.Condition) string {
	for _, c := range conds {
		if routing.ConditionHolds(req, c) {
			return "bypass condition " + string(c.Type) + ":" + c.Key
		}
	}
	return ""
}

// isPreview reads the preview cookies from the parsed cookie map. When a
// preview mode id is configured the bypass cookie must carry it.
func (i *Interceptor) isPreview(req *edge.Request) bool {
	bypass, ok := req.Cookies[cookiePreviewBypass]
	if !ok {
		return false
	}
	if _, ok := req.Cookies[cookiePreviewData]; !ok {
		return false
	}
	return i.m.Prerender.PreviewModeID == "" || bypass == i.m.Prerender.PreviewModeID
}

func (i *Interceptor) isPrerender(key, locale string) bool {
	if _, ok := i.prerenderRoute(key, locale); ok {
		return true
	}
	return i.m.MatchesDynamicPrerender(key)
}

func (i *Interceptor) prerenderRoute(key, locale string) (manifest.PrerenderRoute, bool) {
	if r, ok := i.m.PrerenderRoute(key); ok {
		return r, true
	}
	if locale == "" {
		return manifest.PrerenderRoute{}, false
	}
	localized := "/" + locale
	if key != "/" {
		localized += key
	}
	return i.m.PrerenderRoute(localized)
}

// enqueue sends exactly one revalidation message for a stale entry.
func (i *Interceptor) enqueue(ctx context.Context, req *edge.Request, key string, entry *CacheEntry) bool {
	if i.queue == nil {
		return false
	}
	target := req.RawPath
	if i.m.TrailingSlash && !strings.HasSuffix(target, "/") {
		target += "/"
	}
	lm := entry.LastModified.UnixMilli()
	etag := hashHex(primaryBody(entry.Value))
	msg := queue.Message{Host: req.Host(), URL: target, ETag: etag, LastModified: lm}
	partition := queue.PartitionKey(queue.Shard(key, i.shards))
	if err := i.queue.Send(ctx, msg, queue.DedupKey(key, lm, etag), partition); err != nil {
		i.log.Warn().Err(err).Str("key", key).Str("partition", partition).Msg("Could not enqueue revalidation")
		return false
	}
	return true
}

func (i *Interceptor) respond(req *edge.Request, entry *CacheEntry, fresh Freshness, opts Options) *edge.Response {
	meta := entry.Value.Metadata()
	res := edge.NewResponse(meta.Status)
	if meta.Headers != nil {
		edge.CopyHeaders(res.Headers, meta.Headers)
	}

	switch v := entry.Value.(type) {
	case *PageValue:
		if opts.DataRequest || isDataRequest(req) {
			res.Body = v.JSON
			res.Headers.Set("Content-Type", "application/json")
		} else {
			res.Body = v.HTML
			res.Headers.Set("Content-Type", "text/html; charset=utf-8")
		}
		res.Headers.Set("Vary", edge.VaryHeader)
	case *AppValue:
		if req.Headers.Get(edge.HeaderRSC) == "1" {
			res.Body = v.RSC
			if seg := req.Headers.Get(edge.HeaderSegmentPrefetch); seg != "" {
				if b, ok := v.Segments[seg]; ok {
					res.Body = b
				}
			}
			res.Headers.Set("Content-Type", "text/x-component")
		} else {
			res.Body = v.HTML
			res.Headers.Set("Content-Type", "text/html; charset=utf-8")
		}
		res.Headers.Set("Vary", edge.VaryHeader)
	case *RouteValue:
		res.Body = v.Body
		res.IsBase64Encoded = isBinary(res.Headers.Get("Content-Type"))
	case *RedirectValue:
		res.Body = nil
		if res.StatusCode == 0 {
			res.StatusCode = http.StatusTemporaryRedirect
		}
	}

	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}
	if opts.StatusOverride != 0 {
		res.StatusCode = opts.StatusOverride
	}
	res.Headers.Set("Cache-Control", fresh.CacheControl)
	res.Headers.Set(edge.HeaderCacheStatus, string(fresh.Status))
	res.Headers.Set("ETag", strconv.Quote(hashHex(res.Body)))
	return res
}

// primaryBody is the representation the etag of an artifact version is
// computed from.
func primaryBody(v CacheValue) []byte {
	switch v := v.(type) {
	case *PageValue:
		return v.HTML
	case *AppValue:
		return v.HTML
	case *RouteValue:
		return v.Body
	}
	return nil
}

// hasRepresentation reports whether the entry holds the body this request
// selects. Entries filled from a single response may lack the data or RSC
// variant.
func hasRepresentation(v CacheValue, req *edge.Request, opts Options) bool {
	switch v := v.(type) {
	case *PageValue:
		if opts.DataRequest || isDataRequest(req) {
			return v.JSON != nil
		}
		return v.HTML != nil
	case *AppValue:
		if req.Headers.Get(edge.HeaderRSC) == "1" {
			return v.RSC != nil
		}
		return v.HTML != nil
	}
	return true
}

func isDataRequest(req *edge.Request) bool {
	if req.Headers.Get(edge.HeaderNextData) != "" {
		return true
	}
	_, ok := req.Query[edge.QueryDataRequest]
	return ok
}

func isBinary(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch {
	case ct == "":
		return false
	case strings.HasPrefix(ct, "text/"),
		strings.HasSuffix(ct, "json"),
		strings.HasSuffix(ct, "xml"),
		strings.Contains(ct, "javascript"),
		ct == "application/x-www-form-urlencoded":
		return false
	}
	return true
}

func hashHex(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
