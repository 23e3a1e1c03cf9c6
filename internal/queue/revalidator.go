package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// HeaderPrerenderRevalidate tells the renderer to regenerate the artifact.
const HeaderPrerenderRevalidate = "x-prerender-revalidate"

// Revalidator consumes messages by asking the origin to regenerate the path.
type Revalidator struct {
	origin        *url.URL
	previewModeID string
	client        *http.Client
	log           zerolog.Logger
}

func NewRevalidator(origin, previewModeID string, client *http.Client, logger zerolog.Logger) (*Revalidator, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got %q", origin)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Revalidator{
		origin:        u,
		previewModeID: previewModeID,
		client:        client,
		log:           logger.With().Str("component", "revalidator").Logger(),
	}, nil
}

// Handle issues a HEAD request for msg.URL against the origin with the
// revalidation marker. Regeneration is idempotent on the renderer side.
func (r *Revalidator) Handle(ctx context.Context, msg Message) error {
	target, err := url.Parse(msg.URL)
	if err != nil {
		return fmt.Errorf("message url %q: %w", msg.URL, err)
	}
	u := r.origin.ResolveReference(&url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery})

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return err
	}
	if msg.Host != "" {
		req.Host = msg.Host
	}
	req.Header.Set(HeaderPrerenderRevalidate, r.previewModeID)
	if msg.ETag != "" {
		req.Header.Set("If-None-Match", msg.ETag)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("revalidate %s: %w", msg.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	r.log.Debug().Str("url", msg.URL).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("Revalidated")
	if resp.StatusCode >= 500 {
		return fmt.Errorf("revalidate %s: origin status %d", msg.URL, resp.StatusCode)
	}
	return nil
}
