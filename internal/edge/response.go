package edge

import (
	"net/http"
	"strings"
)

// Response is the terminal value of the pipeline.
type Response struct {
	StatusCode      int
	Headers         http.Header
	Body            []byte
	IsBase64Encoded bool
}

// NewResponse returns an empty-bodied response with the given status.
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Headers: make(http.Header)}
}

// RedirectResponse builds a redirect with a Location header.
func RedirectResponse(status int, location string) *Response {
	res := NewResponse(status)
	res.Headers.Set("Location", location)
	return res
}

// Reserved header names shared between the pipeline stages and the
// framework running behind the router.
const (
	HeaderMiddlewareRewrite         = "x-middleware-rewrite"
	HeaderMiddlewareNext            = "x-middleware-next"
	HeaderMiddlewareOverrideHeaders = "x-middleware-override-headers"
	HeaderMiddlewareRequestPrefix   = "x-middleware-request-"
	HeaderMiddlewarePrefix          = "x-middleware-"

	HeaderNextAction          = "next-action"
	HeaderPrerenderRevalidate = "x-prerender-revalidate"
	HeaderRSC                 = "rsc"
	HeaderRouterStateTree     = "next-router-state-tree"
	HeaderRouterPrefetch      = "next-router-prefetch"
	HeaderSegmentPrefetch     = "next-router-segment-prefetch"
	HeaderNextData            = "x-nextjs-data"
	HeaderCacheTags           = "x-next-cache-tags"

	HeaderCacheStatus  = "x-nextjs-cache"
	HeaderEdgeStatus   = "x-edge-status"
	HeaderOriginalPath = "x-edge-original-path"
	HeaderLocaleCookie = "NEXT_LOCALE"

	QueryDataRequest = "__nextDataReq"
)

// VaryHeader lists the request headers that select between full and partial
// bodies for cached app responses.
var VaryHeader = strings.Join([]string{"RSC", "Next-Router-State-Tree", "Next-Router-Prefetch", "Next-Router-Segment-Prefetch"}, ", ")

// NoCacheControl is attached to responses that must never be stored.
const NoCacheControl = "private, no-cache, no-store, max-age=0, must-revalidate"

// CopyHeaders adds every value of src into dst.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
