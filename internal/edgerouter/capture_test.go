package edgerouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
	"edgerouter/internal/routing"
)

func TestRevalidateFromCacheControl(t *testing.T) {
	tests := []struct {
		cc   string
		want manifest.Revalidate
	}{
		{"s-maxage=60, stale-while-revalidate", manifest.RevalidateAfter(60)},
		{"public, S-MaxAge=31536000", manifest.RevalidateNever()},
		{"max-age=10", manifest.Revalidate{}},
		{"s-maxage=soon", manifest.Revalidate{}},
		{"", manifest.Revalidate{}},
	}
	for _, tt := range tests {
		if got := revalidateFromCacheControl(tt.cc); got != tt.want {
			t.Fatalf("revalidateFromCacheControl(%q) = %+v, want %+v", tt.cc, got, tt.want)
		}
	}
}

func TestCacheable(t *testing.T) {
	res := edge.NewResponse(http.StatusOK)
	if !cacheable(res) {
		t.Fatalf("plain 200 not cacheable")
	}
	res.Headers.Set("Cache-Control", "private, max-age=0")
	if cacheable(res) {
		t.Fatalf("private response cacheable")
	}
	if cacheable(edge.NewResponse(http.StatusNotFound)) {
		t.Fatalf("404 cacheable")
	}
}

func TestBuildEntryMergesPageVariants(t *testing.T) {
	now := time.Now()
	html := edge.NewResponse(http.StatusOK)
	html.Headers.Set("Content-Type", "text/html")
	html.Headers.Set("Set-Cookie", "a=1")
	html.Headers.Set("Cache-Control", "s-maxage=30")
	html.Body = []byte("<p>x</p>")

	ent := buildEntry(nil, manifest.KindPage, variantHTML, html, now)
	page := ent.Value.(*isr.PageValue)
	if string(page.HTML) != "<p>x</p>" || page.JSON != nil {
		t.Fatalf("page = %+v", page)
	}
	if page.Headers.Get("Set-Cookie") != "" || page.Headers.Get("Cache-Control") != "" {
		t.Fatalf("per-response headers stored: %v", page.Headers)
	}
	if ent.Revalidate != manifest.RevalidateAfter(30) {
		t.Fatalf("revalidate = %+v", ent.Revalidate)
	}

	data := edge.NewResponse(http.StatusOK)
	data.Headers.Set("Content-Type", "application/json")
	data.Body = []byte(`{}`)
	ent = buildEntry(ent, manifest.KindPage, variantData, data, now.Add(time.Second))
	page = ent.Value.(*isr.PageValue)
	if string(page.HTML) != "<p>x</p>" || string(page.JSON) != "{}" {
		t.Fatalf("merged page = %q %q", page.HTML, page.JSON)
	}
	if page.Headers.Get("Content-Type") != "text/html" {
		t.Fatalf("data response replaced page headers: %v", page.Headers)
	}

	route := buildEntry(nil, manifest.KindRoute, variantHTML, data, now)
	if rv, ok := route.Value.(*isr.RouteValue); !ok || string(rv.Body) != "{}" {
		t.Fatalf("route entry = %#v", route.Value)
	}
}

func TestRequestVariant(t *testing.T) {
	mk := func(h map[string]string) *edge.Request {
		hdr := make(http.Header)
		for k, v := range h {
			hdr.Set(k, v)
		}
		req, err := edge.NewRequest(http.MethodGet, "http://example.com/x", hdr, nil, "")
		if err != nil {
			t.Fatal(err)
		}
		return req
	}
	if v, ok := requestVariant(mk(nil), false); !ok || v != variantHTML {
		t.Fatalf("plain = %v %v", v, ok)
	}
	if v, ok := requestVariant(mk(nil), true); !ok || v != variantData {
		t.Fatalf("data = %v %v", v, ok)
	}
	if v, ok := requestVariant(mk(map[string]string{"RSC": "1"}), false); !ok || v != variantRSC {
		t.Fatalf("rsc = %v %v", v, ok)
	}
	if _, ok := requestVariant(mk(map[string]string{"RSC": "1", "Next-Router-Segment-Prefetch": "/a"}), false); ok {
		t.Fatalf("segment prefetch captured")
	}
}

func TestRemoteMiddleware(t *testing.T) {
	var got routing.MiddlewareRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(edge.HeaderMiddlewareRewrite, "/rewritten")
		w.Header().Set("X-Trace", "abc")
	}))

	fn := RemoteMiddleware(srv.URL, time.Second)
	h := make(http.Header)
	h.Set("Accept", "text/html")
	res, err := fn(context.Background(), &routing.MiddlewareRequest{Method: http.MethodGet, URL: "http://example.com/a", Headers: h})
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if got.URL != "http://example.com/a" || got.Headers.Get("Accept") != "text/html" {
		t.Fatalf("endpoint saw %+v", got)
	}
	if res.Headers.Get(edge.HeaderMiddlewareRewrite) != "/rewritten" || res.Headers.Get("X-Trace") != "abc" {
		t.Fatalf("headers = %v", res.Headers)
	}
	if res.Headers.Get("Content-Type") != "" {
		t.Fatalf("endpoint content type leaked: %q", res.Headers.Get("Content-Type"))
	}

	srv.Close()
	if _, err := fn(context.Background(), &routing.MiddlewareRequest{URL: "http://example.com/a"}); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
