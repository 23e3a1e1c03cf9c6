package edgerouter

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
)

// variant is the representation of a route a response carries.
type variant int

const (
	variantHTML variant = iota
	variantData
	variantRSC
)

func requestVariant(req *edge.Request, dataRequest bool) (variant, bool) {
	switch {
	case req.Headers.Get(edge.HeaderSegmentPrefetch) != "":
		return 0, false
	case dataRequest || req.Headers.Get(edge.HeaderNextData) != "":
		return variantData, true
	case req.Headers.Get(edge.HeaderRSC) == "1":
		return variantRSC, true
	}
	return variantHTML, true
}

// storedHeaders are dropped before a response is written to the store.
var storedHeaders = []string{"Cache-Control", "Date", "Etag", "Set-Cookie", "Age", "Vary", edge.HeaderCacheStatus}

func cacheable(res *edge.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	cc := strings.ToLower(res.Headers.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache") && !strings.Contains(cc, "private")
}

// revalidateFromCacheControl reads the policy the renderer advertised.
// The one-year s-maxage the renderer emits for static pages means never.
func revalidateFromCacheControl(cc string) manifest.Revalidate {
	for _, part := range strings.Split(cc, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "s-maxage") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return manifest.Revalidate{}
		}
		if n >= 31536000 {
			return manifest.RevalidateNever()
		}
		return manifest.RevalidateAfter(n)
	}
	return manifest.Revalidate{}
}

// buildEntry merges one rendered representation into the current entry, or
// starts a new one.
func buildEntry(cur *isr.CacheEntry, kind manifest.RouteKind, v variant, res *edge.Response, now time.Time) *isr.CacheEntry {
	h := res.Headers.Clone()
	rev := revalidateFromCacheControl(h.Get("Cache-Control"))
	for _, name := range storedHeaders {
		h.Del(name)
	}
	meta := isr.Meta{Status: res.StatusCode, Headers: h}

	var value isr.CacheValue
	switch kind {
	case manifest.KindApp:
		app := &isr.AppValue{Meta: meta}
		if prev, ok := currentValue(cur).(*isr.AppValue); ok {
			app.HTML, app.RSC, app.Segments = prev.HTML, prev.RSC, prev.Segments
		}
		if v == variantRSC {
			app.RSC = res.Body
		} else {
			app.HTML = res.Body
		}
		value = app
	case manifest.KindRoute:
		value = &isr.RouteValue{Meta: meta, Body: res.Body}
	default:
		page := &isr.PageValue{Meta: meta}
		if prev, ok := currentValue(cur).(*isr.PageValue); ok {
			page.HTML, page.JSON = prev.HTML, prev.JSON
			if v == variantData {
				// the data response carries JSON headers; keep the page's
				page.Meta = prev.Meta
			}
		}
		if v == variantData {
			page.JSON = res.Body
		} else {
			page.HTML = res.Body
		}
		value = page
	}
	return &isr.CacheEntry{Value: value, LastModified: now, Revalidate: rev}
}

func currentValue(cur *isr.CacheEntry) isr.CacheValue {
	if cur == nil {
		return nil
	}
	return cur.Value
}

// routeKind picks the kind of the highest precedence match.
func routeKind(entries ...[]manifest.RouteEntry) manifest.RouteKind {
	for _, list := range entries {
		if len(list) > 0 && list[0].Kind != "" {
			return list[0].Kind
		}
	}
	return manifest.KindPage
}
