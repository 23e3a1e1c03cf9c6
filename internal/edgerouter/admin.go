package edgerouter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgerouter/internal/queue"
)

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleShard reports the queue shard and partition key of a path.
func (s *Service) handleShard(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	key := s.interceptor.CacheKey(path)
	shard := queue.Shard(key, s.queue.Shards())
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      path,
		"key":       key,
		"shard":     shard,
		"partition": queue.PartitionKey(shard),
	})
}

// handleRevalidate marks the tags in ?tag=a,b as revalidated now. Entries
// carrying any of them are treated as misses afterwards.
func (s *Service) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	var tags []string
	for _, raw := range r.URL.Query()["tag"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	if len(tags) == 0 {
		http.Error(w, "tag is required", http.StatusBadRequest)
		return
	}
	now := time.Now()
	if err := s.tags.RevalidateTags(r.Context(), tags, now); err != nil {
		s.log.Error().Err(err).Strs("tags", tags).Msg("Tag revalidation failed")
		http.Error(w, "tag store error", http.StatusInternalServerError)
		return
	}
	s.log.Info().Strs("tags", tags).Msg("Tags revalidated")
	writeJSON(w, http.StatusOK, map[string]any{"revalidated": true, "tags": tags, "now": now.UnixMilli()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
