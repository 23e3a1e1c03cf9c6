package edgerouter

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"edgerouter/internal/store"
)

// statsCollector tracks response sizes for the periodic stats log.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	cacheServed    atomic.Uint64
	rendered       atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int, fromCache bool) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	if fromCache {
		s.cacheServed.Add(1)
	} else {
		s.rendered.Add(1)
	}

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	CacheServed    uint64
	Rendered       uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		CacheServed:    s.cacheServed.Load(),
		Rendered:       s.rendered.Load(),
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats(ctx)
		}
	}
}

func (s *Service) logStats(ctx context.Context) {
	ss := s.stats.Snapshot()
	qs := s.queue.Stats()
	ev := s.log.Info().
		Uint64("responses", ss.TotalResponses).
		Uint64("fromCache", ss.CacheServed).
		Uint64("rendered", ss.Rendered).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes)).
		Int64("enqueued", qs.Sent).
		Int64("deduplicated", qs.Deduplicated).
		Int64("revalidated", qs.Processed).
		Int64("revalidateFailed", qs.Failed)
	if _, remote := s.content.(*store.S3Store); !remote {
		if keys, err := s.content.Keys(ctx); err == nil {
			ev = ev.Int("cachedPaths", len(keys))
		}
	}
	if u, ok := s.content.(interface{ Usage() (int64, int64) }); ok {
		ram, disk := u.Usage()
		ev = ev.Str("ram", formatBytes(uint64(ram))).Str("disk", formatBytes(uint64(disk)))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("Stats")
}
