package edgerouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/routing"
)

// RemoteMiddleware returns a middleware function that POSTs the request
// view as JSON to endpoint. The HTTP response of the endpoint (status,
// headers and body) is the middleware response; the x-middleware-* headers
// it sets drive the pipeline as usual.
func RemoteMiddleware(endpoint string, timeout time.Duration) routing.Func {
	client := newHTTPClient(timeout)
	return func(ctx context.Context, req *routing.MiddlewareRequest) (*edge.Response, error) {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("middleware: encode request: %w", err)
		}
		out, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		out.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(out)
		if err != nil {
			return nil, fmt.Errorf("middleware: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("middleware: read response: %w", err)
		}
		res := edge.NewResponse(resp.StatusCode)
		res.Headers = resp.Header.Clone()
		for _, h := range hopHeaders {
			res.Headers.Del(h)
		}
		res.Headers.Del("Date")
		if res.Headers.Get(edge.HeaderMiddlewareNext) != "" || res.Headers.Get(edge.HeaderMiddlewareRewrite) != "" {
			// the endpoint's own content type must not leak into the page
			res.Headers.Del("Content-Type")
		}
		res.Body = body
		return res, nil
	}
}
