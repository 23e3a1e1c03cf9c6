package isr

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
	"edgerouter/internal/queue"
)

const isrManifest = `
i18n:
  locales: [en, fr]
  defaultLocale: en
prerender:
  previewModeId: secret
  routes:
    /blog/hello:
      initialRevalidateSeconds: 60
      bypassFor:
        - type: header
          key: x-draft-mode
    /blog/café:
      initialRevalidateSeconds: 60
    /static:
      initialRevalidateSeconds: false
  dynamicRoutes:
    /shop/[id]:
      routeRegex: ^/shop/([^/]+?)(?:/)?$
      bypassFor:
        - type: query
          key: preview
          value: "1"
  bypassFor:
    - type: header
      key: content-type
      value: multipart/form-data.*
`

type fakeContent struct {
	entries map[string]*CacheEntry
	err     error
	gets    []string
}

func (f *fakeContent) Get(ctx context.Context, key string) (*CacheEntry, error) {
	f.gets = append(f.gets, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[key], nil
}

type fakeTags struct {
	revalidated map[string]time.Time
	err         error
}

func (f *fakeTags) WasRevalidatedAfter(ctx context.Context, tags []string, t time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, tag := range tags {
		if at, ok := f.revalidated[tag]; ok && at.After(t) {
			return true, nil
		}
	}
	return false, nil
}

type sent struct {
	msg       queue.Message
	dedup     string
	partition string
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeQueue) Send(ctx context.Context, msg queue.Message, dedupKey, partition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{msg, dedupKey, partition})
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newInterceptor(t *testing.T, content *fakeContent, tags *fakeTags, q *fakeQueue) *Interceptor {
	t.Helper()
	m, err := manifest.Parse([]byte(isrManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	var ts TagStore
	if tags != nil {
		ts = tags
	}
	return New(m, content, ts, q, WithShards(8), WithClock(func() time.Time { return testNow }))
}

func get(t *testing.T, rawURL string, headers map[string]string) *edge.Request {
	t.Helper()
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	req, err := edge.NewRequest(http.MethodGet, rawURL, h, nil, "")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func pageEntry(age time.Duration, rev manifest.Revalidate) *CacheEntry {
	return &CacheEntry{
		Value:        &PageValue{HTML: []byte("<h1>hi</h1>"), JSON: []byte(`{"pageProps":{}}`)},
		LastModified: testNow.Add(-age),
		Revalidate:   rev,
	}
}

func TestFreshnessBoundary(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		status   Status
		messages int
		control  string
	}{
		{"stale", 70 * time.Second, StatusStale, 1, "s-maxage=1, stale-while-revalidate=2592000"},
		{"fresh", 10 * time.Second, StatusHit, 0, "s-maxage=50, stale-while-revalidate=2592000"},
		{"exactly one second left", 59 * time.Second, StatusStale, 1, "s-maxage=1, stale-while-revalidate=2592000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := &fakeContent{entries: map[string]*CacheEntry{"/blog/hello": pageEntry(tt.age, manifest.RevalidateAfter(60))}}
			q := &fakeQueue{}
			ic := newInterceptor(t, content, &fakeTags{}, q)

			d := ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
			if d.Outcome != OutcomeServed || d.Response == nil {
				t.Fatalf("decision = %+v", d)
			}
			if d.Status != tt.status {
				t.Fatalf("status = %s, want %s", d.Status, tt.status)
			}
			if got := d.Response.Headers.Get(edge.HeaderCacheStatus); got != string(tt.status) {
				t.Fatalf("diagnostic header = %q", got)
			}
			if got := d.Response.Headers.Get("Cache-Control"); got != tt.control {
				t.Fatalf("Cache-Control = %q", got)
			}
			if len(q.sent) != tt.messages {
				t.Fatalf("sent %d messages, want %d", len(q.sent), tt.messages)
			}
			if tt.messages == 1 {
				s := q.sent[0]
				if want := queue.PartitionKey(queue.Shard("/blog/hello", 8)); s.partition != want {
					t.Fatalf("partition = %q, want %q", s.partition, want)
				}
				if s.msg.URL != "/blog/hello" || s.msg.Host != "example.com" {
					t.Fatalf("message = %+v", s.msg)
				}
				lm := testNow.Add(-tt.age).UnixMilli()
				if s.msg.LastModified != lm || s.dedup != queue.DedupKey("/blog/hello", lm, s.msg.ETag) {
					t.Fatalf("message = %+v dedup = %q", s.msg, s.dedup)
				}
			}
			if string(d.Response.Body) != "<h1>hi</h1>" {
				t.Fatalf("body = %q", d.Response.Body)
			}
		})
	}
}

func TestTagInvalidationOverridesTime(t *testing.T) {
	entry := &CacheEntry{
		Value: &AppValue{
			Meta: Meta{Headers: http.Header{"X-Next-Cache-Tags": {"T1, T2"}}},
			HTML: []byte("html"),
			RSC:  []byte("rsc"),
		},
		LastModified: testNow.Add(-5 * time.Second),
		Revalidate:   manifest.RevalidateAfter(3600),
	}
	content := &fakeContent{entries: map[string]*CacheEntry{"/blog/hello": entry}}
	tags := &fakeTags{revalidated: map[string]time.Time{"T1": testNow.Add(-time.Second)}}
	q := &fakeQueue{}
	ic := newInterceptor(t, content, tags, q)

	d := ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
	if d.Outcome != OutcomeInvalidated || d.Response != nil {
		t.Fatalf("decision = %+v", d)
	}
	if len(q.sent) != 0 {
		t.Fatalf("invalidated entry enqueued")
	}

	// Tags revalidated before the entry was written do not invalidate it.
	tags.revalidated["T1"] = testNow.Add(-time.Hour)
	d = ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
	if d.Outcome != OutcomeServed || d.Status != StatusHit {
		t.Fatalf("decision = %+v", d)
	}
}

func TestTagsIgnoredForPages(t *testing.T) {
	entry := pageEntry(time.Second, manifest.RevalidateAfter(60))
	entry.Value.(*PageValue).Headers = http.Header{"X-Next-Cache-Tags": {"T1"}}
	content := &fakeContent{entries: map[string]*CacheEntry{"/blog/hello": entry}}
	tags := &fakeTags{revalidated: map[string]time.Time{"T1": testNow}}
	ic := newInterceptor(t, content, tags, &fakeQueue{})

	d := ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
	if d.Outcome != OutcomeServed {
		t.Fatalf("page entry invalidated by tag: %+v", d)
	}
}

func TestRevalidatePolicies(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		rev     manifest.Revalidate
		status  Status
		control string
	}{
		{"never", "/blog/hello", manifest.RevalidateNever(), StatusHit, "s-maxage=31536000, stale-while-revalidate=2592000"},
		{"zero", "/blog/hello", manifest.RevalidateAfter(0), StatusError, edge.NoCacheControl},
		{"manifest fallback", "/blog/hello", manifest.Revalidate{}, StatusStale, "s-maxage=1, stale-while-revalidate=2592000"},
		{"manifest never", "/static", manifest.Revalidate{}, StatusHit, "s-maxage=31536000, stale-while-revalidate=2592000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := &fakeContent{entries: map[string]*CacheEntry{tt.key: pageEntry(2*time.Hour, tt.rev)}}
			q := &fakeQueue{}
			ic := newInterceptor(t, content, &fakeTags{}, q)

			d := ic.Intercept(context.Background(), get(t, "http://example.com"+tt.key, nil), Options{})
			if d.Status != tt.status {
				t.Fatalf("status = %s, want %s", d.Status, tt.status)
			}
			if got := d.Response.Headers.Get("Cache-Control"); got != tt.control {
				t.Fatalf("Cache-Control = %q", got)
			}
			wantSent := 0
			if tt.status == StatusStale {
				wantSent = 1
			}
			if len(q.sent) != wantSent {
				t.Fatalf("sent %d messages for %s", len(q.sent), tt.status)
			}
		})
	}
}

func TestStoreErrorsFailOpen(t *testing.T) {
	content := &fakeContent{err: errors.New("connection reset")}
	ic := newInterceptor(t, content, &fakeTags{}, &fakeQueue{})
	d := ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
	if d.Outcome != OutcomeMiss || d.Response != nil {
		t.Fatalf("decision = %+v", d)
	}

	entry := &CacheEntry{
		Value:        &RouteValue{Meta: Meta{Headers: http.Header{"X-Next-Cache-Tags": {"T1"}}}, Body: []byte("ok")},
		LastModified: testNow,
		Revalidate:   manifest.RevalidateAfter(60),
	}
	content = &fakeContent{entries: map[string]*CacheEntry{"/blog/hello": entry}}
	ic = newInterceptor(t, content, &fakeTags{err: errors.New("timeout")}, &fakeQueue{})
	d = ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true})
	if d.Outcome != OutcomeServed {
		t.Fatalf("tag store error blocked serving: %+v", d)
	}
}

func TestMissAndNotISR(t *testing.T) {
	content := &fakeContent{entries: map[string]*CacheEntry{}}
	ic := newInterceptor(t, content, &fakeTags{}, &fakeQueue{})

	d := ic.Intercept(context.Background(), get(t, "http://example.com/shop/7", nil), Options{})
	if d.Outcome != OutcomeMiss || d.Key != "/shop/7" {
		t.Fatalf("decision = %+v", d)
	}
	d = ic.Intercept(context.Background(), get(t, "http://example.com/about", nil), Options{})
	if d.Outcome != OutcomeNotISR {
		t.Fatalf("decision = %+v", d)
	}
	if len(content.gets) != 1 {
		t.Fatalf("store consulted for non-ISR path: %v", content.gets)
	}

	// an entry holding only the HTML cannot answer a data request
	content.entries["/blog/hello"] = &CacheEntry{
		Value:        &PageValue{HTML: []byte("<h1>hi</h1>")},
		LastModified: testNow,
		Revalidate:   manifest.RevalidateAfter(60),
	}
	d = ic.Intercept(context.Background(), get(t, "http://example.com/blog/hello", nil), Options{IsISR: true, DataRequest: true})
	if d.Outcome != OutcomeMiss || d.Response != nil {
		t.Fatalf("decision = %+v", d)
	}
}

func TestBypass(t *testing.T) {
	content := &fakeContent{entries: map[string]*CacheEntry{"/blog/hello": pageEntry(time.Second, manifest.RevalidateAfter(60))}}
	ic := newInterceptor(t, content, &fakeTags{}, &fakeQueue{})

	tests := []struct {
		name    string
		headers map[string]string
		method  string
	}{
		{"server action", map[string]string{"Next-Action": "abc"}, http.MethodPost},
		{"server action get", map[string]string{"Next-Action": "abc"}, http.MethodGet},
		{"on-demand revalidation", map[string]string{"X-Prerender-Revalidate": "secret"}, http.MethodGet},
		{"preview", map[string]string{"Cookie": "__prerender_bypass=secret; __next_preview_data=x"}, http.MethodGet},
		{"bypass condition", map[string]string{"Content-Type": "multipart/form-data; boundary=x"}, http.MethodGet},
		{"method", nil, http.MethodPost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := get(t, "http://example.com/blog/hello", tt.headers)
			req.Method = tt.method
			d := ic.Intercept(context.Background(), req, Options{IsISR: true})
			if d.Outcome != OutcomeBypass || d.Response != nil {
				t.Fatalf("decision = %+v", d)
			}
		})
	}

	// A preview cookie for another deployment is not a bypass.
	req := get(t, "http://example.com/blog/hello", map[string]string{"Cookie": "__prerender_bypass=other; __next_preview_data=x"})
	if d := ic.Intercept(context.Background(), req, Options{IsISR: true}); d.Outcome != OutcomeServed {
		t.Fatalf("foreign preview cookie bypassed cache: %+v", d)
	}
	// Substrings in unrelated cookies do not count.
	req = get(t, "http://example.com/blog/hello", map[string]string{"Cookie": "note=__prerender_bypass"})
	if d := ic.Intercept(context.Background(), req, Options{IsISR: true}); d.Outcome != OutcomeServed {
		t.Fatalf("cookie substring bypassed cache: %+v", d)
	}
}

func TestEntryBypassConditions(t *testing.T) {
	content := &fakeContent{entries: map[string]*CacheEntry{
		"/blog/hello": pageEntry(time.Second, manifest.RevalidateAfter(60)),
		"/static":     pageEntry(time.Hour, manifest.RevalidateNever()),
		"/shop/7":     pageEntry(time.Second, manifest.RevalidateAfter(60)),
	}}
	ic := newInterceptor(t, content, &fakeTags{}, &fakeQueue{})
	draft := map[string]string{"X-Draft-Mode": "1"}

	tests := []struct {
		url     string
		headers map[string]string
		want    Outcome
	}{
		{"http://example.com/blog/hello", draft, OutcomeBypass},
		{"http://example.com/static", draft, OutcomeServed},
		{"http://example.com/shop/7", draft, OutcomeServed},
		{"http://example.com/shop/7?preview=1", nil, OutcomeBypass},
		{"http://example.com/shop/7?preview=2", nil, OutcomeServed},
		{"http://example.com/blog/hello?preview=1", nil, OutcomeServed},
	}
	for _, tt := range tests {
		d := ic.Intercept(context.Background(), get(t, tt.url, tt.headers), Options{})
		if d.Outcome != tt.want {
			t.Errorf("%s %v: outcome = %s, want %s (%+v)", tt.url, tt.headers, d.Outcome, tt.want, d)
		}
		if tt.want == OutcomeBypass && d.Response != nil {
			t.Errorf("%s: bypass carried a response", tt.url)
		}
	}
}

func TestBodySelection(t *testing.T) {
	app := &CacheEntry{
		Value: &AppValue{
			Meta:     Meta{Status: 200},
			HTML:     []byte("html"),
			RSC:      []byte("rsc"),
			Segments: map[string][]byte{"/_tree": []byte("tree")},
		},
		LastModified: testNow,
		Revalidate:   manifest.RevalidateAfter(60),
	}
	route := &CacheEntry{
		Value: &RouteValue{
			Meta: Meta{Status: 201, Headers: http.Header{"Content-Type": {"image/png"}}},
			Body: []byte{0x89, 'P', 'N', 'G'},
		},
		LastModified: testNow,
		Revalidate:   manifest.RevalidateAfter(60),
	}
	redirect := &CacheEntry{
		Value:        &RedirectValue{Meta: Meta{Headers: http.Header{"Location": {"/elsewhere"}}}},
		LastModified: testNow,
		Revalidate:   manifest.RevalidateAfter(60),
	}
	content := &fakeContent{entries: map[string]*CacheEntry{
		"/blog/hello": pageEntry(time.Second, manifest.RevalidateAfter(60)),
		"/shop/app":   app,
		"/shop/img":   route,
		"/shop/moved": redirect,
	}}
	ic := newInterceptor(t, content, &fakeTags{}, &fakeQueue{})

	tests := []struct {
		name        string
		url         string
		headers     map[string]string
		opts        Options
		status      int
		body        string
		contentType string
	}{
		{"page html", "http://example.com/blog/hello", nil, Options{}, 200, "<h1>hi</h1>", "text/html; charset=utf-8"},
		{"page data query", "http://example.com/blog/hello?__nextDataReq=1", nil, Options{}, 200, `{"pageProps":{}}`, "application/json"},
		{"page data option", "http://example.com/blog/hello", nil, Options{DataRequest: true}, 200, `{"pageProps":{}}`, "application/json"},
		{"app html", "http://example.com/shop/app", nil, Options{}, 200, "html", "text/html; charset=utf-8"},
		{"app rsc", "http://example.com/shop/app", map[string]string{"RSC": "1"}, Options{}, 200, "rsc", "text/x-component"},
		{"app segment", "http://example.com/shop/app", map[string]string{"RSC": "1", "Next-Router-Segment-Prefetch": "/_tree"}, Options{}, 200, "tree", "text/x-component"},
		{"app unknown segment", "http://example.com/shop/app", map[string]string{"RSC": "1", "Next-Router-Segment-Prefetch": "/nope"}, Options{}, 200, "rsc", "text/x-component"},
		{"route", "http://example.com/shop/img", nil, Options{}, 201, "\x89PNG", "image/png"},
		{"redirect", "http://example.com/shop/moved", nil, Options{}, 307, "", ""},
		{"status override", "http://example.com/blog/hello", nil, Options{StatusOverride: 418}, 418, "<h1>hi</h1>", "text/html; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ic.Intercept(context.Background(), get(t, tt.url, tt.headers), tt.opts)
			if d.Response == nil {
				t.Fatalf("decision = %+v", d)
			}
			res := d.Response
			if res.StatusCode != tt.status || string(res.Body) != tt.body {
				t.Fatalf("got %d %q", res.StatusCode, res.Body)
			}
			if got := res.Headers.Get("Content-Type"); got != tt.contentType {
				t.Fatalf("Content-Type = %q", got)
			}
			if res.Headers.Get("ETag") == "" {
				t.Fatalf("missing ETag")
			}
		})
	}

	d := ic.Intercept(context.Background(), get(t, "http://example.com/shop/img", nil), Options{})
	if !d.Response.IsBase64Encoded {
		t.Fatalf("binary route body not flagged")
	}
	d = ic.Intercept(context.Background(), get(t, "http://example.com/shop/app", nil), Options{})
	if d.Response.Headers.Get("Vary") != edge.VaryHeader {
		t.Fatalf("Vary = %q", d.Response.Headers.Get("Vary"))
	}
	d = ic.Intercept(context.Background(), get(t, "http://example.com/shop/moved", nil), Options{})
	if d.Response.Headers.Get("Location") != "/elsewhere" {
		t.Fatalf("redirect Location lost")
	}
}

func TestCacheKey(t *testing.T) {
	ic := newInterceptor(t, &fakeContent{}, nil, nil)
	tests := map[string]string{
		"/":                   "/",
		"/fr":                 "/",
		"/blog/hello/":        "/blog/hello",
		"/fr/blog/caf%C3%A9/": "/blog/café",
		"/a%2Fb/c":            "/a/b/c",
		"/en/shop/1%20":       "/shop/1 ",
		"/blog/%E0%A4%A":      "/blog/%E0%A4%A",
	}
	for in, want := range tests {
		if got := ic.CacheKey(in); got != want {
			t.Errorf("CacheKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalePrefixedLookup(t *testing.T) {
	content := &fakeContent{entries: map[string]*CacheEntry{"/blog/café": pageEntry(time.Second, manifest.RevalidateAfter(60))}}
	ic := newInterceptor(t, content, nil, &fakeQueue{})
	d := ic.Intercept(context.Background(), get(t, "http://example.com/fr/blog/caf%C3%A9", nil), Options{})
	if d.Outcome != OutcomeServed || d.Key != "/blog/café" {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.HasPrefix(d.Response.Headers.Get("Cache-Control"), "s-maxage=59") {
		t.Fatalf("Cache-Control = %q", d.Response.Headers.Get("Cache-Control"))
	}
}
