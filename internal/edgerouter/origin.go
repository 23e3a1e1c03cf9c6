package edgerouter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgerouter/internal/edge"
)

// hop-by-hop headers are never forwarded in either direction
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

// OriginRenderer forwards requests to the rendering server behind the edge.
type OriginRenderer struct {
	origin *url.URL
	client *http.Client
}

func NewOriginRenderer(origin string, client *http.Client) (*OriginRenderer, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got %q", origin)
	}
	if client == nil {
		client = newHTTPClient(30 * time.Second)
	}
	return &OriginRenderer{origin: u, client: client}, nil
}

// newHTTPClient never follows redirects; they are passed to the client.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Render sends the routed request to the origin. The original Host header
// is preserved so the origin sees the public host.
func (o *OriginRenderer) Render(ctx context.Context, req *edge.Request) (*edge.Response, error) {
	target := *o.origin
	target.Path = strings.TrimRight(o.origin.Path, "/") + mustUnescape(req.RawPath)
	target.RawPath = strings.TrimRight(o.origin.EscapedPath(), "/") + req.RawPath
	target.RawQuery = req.Query.Encode()
	return forward(ctx, o.client, req, target.String(), req.Host())
}

// Get fetches path from the origin with extra headers set. It is used by
// background refreshes.
func (o *OriginRenderer) Get(ctx context.Context, host, rawURL string, headers http.Header) (*edge.Response, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	u := o.origin.ResolveReference(&url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery})
	req := &edge.Request{Method: http.MethodGet, Headers: headers.Clone()}
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	return forward(ctx, o.client, req, u.String(), host)
}

// ExternalProxy fetches absolute rewrite destinations.
type ExternalProxy struct {
	client *http.Client
}

func NewExternalProxy(timeout time.Duration) *ExternalProxy {
	return &ExternalProxy{client: newHTTPClient(timeout)}
}

func (p *ExternalProxy) Fetch(ctx context.Context, req *edge.Request) (*edge.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("external rewrite %q: %w", req.URL, err)
	}
	return forward(ctx, p.client, req, req.URL, u.Host)
}

func forward(ctx context.Context, client *http.Client, req *edge.Request, target, host string) (*edge.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(out.Header, req.Headers)
	out.Header.Set("Accept-Encoding", "identity")
	if host != "" {
		out.Host = host
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	res := edge.NewResponse(resp.StatusCode)
	res.Headers = resp.Header.Clone()
	for _, h := range hopHeaders {
		res.Headers.Del(h)
	}
	res.Body = b
	return res, nil
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func mustUnescape(p string) string {
	if u, err := url.PathUnescape(p); err == nil {
		return u
	}
	return p
}
