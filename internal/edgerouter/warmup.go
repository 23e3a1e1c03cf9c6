package edgerouter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgerouter/internal/queue"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) warmupLoop(ctx context.Context) {
	if d := s.cfg.warmupDelayDur; d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		seeded, skipped, err := s.warmupOnce(ctx)
		if err != nil {
			s.log.Warn().Err(err).Int("seeded", seeded).Msg("Warmup failed")
			return
		}
		s.log.Info().Int("seeded", seeded).Int("skipped", skipped).Msg("Warmup done")
	}

	runOnce()
	if s.cfg.warmupEveryDur <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.warmupEveryDur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}

// warmupOnce enqueues a regeneration for every ISR path known from the
// manifest or the configured sitemaps that the content store lacks.
func (s *Service) warmupOnce(ctx context.Context) (seeded, skipped int, _ error) {
	paths := make([]string, 0, 64)
	for _, p := range s.m.PrerenderedPaths() {
		paths = append(paths, s.m.BasePath+p)
	}
	discovered, err := s.discoverSitemaps(ctx)
	if err != nil {
		// manifest paths are still worth seeding
		s.log.Warn().Err(err).Msg("Sitemap discovery failed")
	}
	paths = append(paths, discovered...)

	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if ctx.Err() != nil {
			return seeded, skipped, ctx.Err()
		}
		key := s.interceptor.CacheKey(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		_, locale := s.router.Engine().NormalizedPath(p)
		localized := key
		if locale != "" {
			localized = "/" + locale
			if key != "/" {
				localized += key
			}
		}
		if !s.m.IsPrerendered(localized) && !s.m.IsPrerendered(key) && !s.m.MatchesDynamicPrerender(key) {
			skipped++
			continue
		}
		ent, err := s.content.Get(ctx, key)
		if err != nil {
			return seeded, skipped, fmt.Errorf("warmup lookup %s: %w", key, err)
		}
		if ent != nil {
			skipped++
			continue
		}
		target := p
		if s.m.TrailingSlash && !strings.HasSuffix(target, "/") {
			target += "/"
		}
		partition := queue.PartitionKey(queue.Shard(key, s.queue.Shards()))
		if err := s.queue.Send(ctx, queue.Message{URL: target}, queue.DedupKey(key, 0, ""), partition); err != nil {
			return seeded, skipped, err
		}
		seeded++
	}
	return seeded, skipped, nil
}

// discoverSitemaps walks the configured sitemaps, following nested indexes,
// and returns the paths they list.
func (s *Service) discoverSitemaps(ctx context.Context) ([]string, error) {
	var pending []string
	for _, sm := range s.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			pending = append(pending, s.absoluteOriginURL(sm))
		}
	}
	seen := map[string]struct{}{}
	var out []string
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := pending[0]
		pending = pending[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				pending = append(pending, s.absoluteOriginURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			if p := pathFromLoc(loc); p != "" {
				out = append(out, p)
			}
		}
		s.log.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Msg("Sitemap read")
	}
	return out, nil
}

func (s *Service) absoluteOriginURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(s.cfg.Server.Origin, "/") + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.renderer.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may already have been decoded by the transport
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.EscapedPath()
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
