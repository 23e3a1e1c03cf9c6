package edgerouter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"edgerouter/internal/edge"
	"edgerouter/internal/isr"
	"edgerouter/internal/queue"
)

// refresh is the queue handler. It asks the origin to regenerate msg.URL,
// then fetches every representation the store already holds and writes the
// merged entry back with a new timestamp.
func (s *Service) refresh(ctx context.Context, msg queue.Message) error {
	if err := s.revalidator.Handle(ctx, msg); err != nil {
		s.metrics.revalidationErrors.Inc()
		return err
	}

	key := s.interceptor.CacheKey(msg.URL)
	cur, err := s.content.Get(ctx, key)
	if err != nil {
		s.metrics.revalidationErrors.Inc()
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	kind := routeKind(s.resolver.MatchStatic(key), s.resolver.MatchDynamic(key, nil))

	now := time.Now()
	ent := cur
	changed := false
	for _, v := range storedVariants(cur) {
		target, headers := s.variantRequest(msg.URL, v)
		res, err := s.renderer.Get(ctx, msg.Host, target, headers)
		if err != nil {
			s.metrics.revalidationErrors.Inc()
			return fmt.Errorf("refresh %s: %w", target, err)
		}
		if !cacheable(res) {
			s.log.Debug().Str("url", target).Int("status", res.StatusCode).Msg("Refresh response not cacheable")
			continue
		}
		if cur != nil && msg.ETag != "" && v == variantHTML && strconv.FormatUint(xxhash.Sum64(res.Body), 16) == msg.ETag {
			s.log.Debug().Str("key", key).Msg("Refresh: content unchanged")
		}
		ent = buildEntry(ent, kind, v, res, now)
		changed = true
	}
	if changed {
		s.put(ctx, key, ent)
	}
	return nil
}

// storedVariants lists the representations to fetch for an entry. A missing
// entry is seeded with its HTML.
func storedVariants(cur *isr.CacheEntry) []variant {
	out := []variant{variantHTML}
	if cur == nil {
		return out
	}
	switch v := cur.Value.(type) {
	case *isr.PageValue:
		if v.HTML == nil {
			out = out[:0]
		}
		if v.JSON != nil {
			out = append(out, variantData)
		}
	case *isr.AppValue:
		if v.HTML == nil {
			out = out[:0]
		}
		if v.RSC != nil {
			out = append(out, variantRSC)
		}
	}
	return out
}

// variantRequest returns the origin URL and headers selecting one
// representation of rawPath.
func (s *Service) variantRequest(rawPath string, v variant) (string, http.Header) {
	h := make(http.Header)
	switch v {
	case variantRSC:
		h.Set(edge.HeaderRSC, "1")
		return rawPath, h
	case variantData:
		h.Set(edge.HeaderNextData, "1")
		inner, _ := s.router.Engine().StripBasePath(rawPath)
		inner = strings.TrimRight(inner, "/")
		if inner == "" {
			inner = "/index"
		}
		return s.m.BasePath + "/_next/data/" + s.m.BuildID + inner + ".json", h
	}
	return rawPath, h
}
