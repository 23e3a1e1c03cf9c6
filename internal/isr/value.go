package isr

import (
	"context"
	"net/http"
	"strings"
	"time"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
	"edgerouter/internal/queue"
)

// Kind names a cache value variant.
type Kind string

const (
	KindPage     Kind = "page"
	KindApp      Kind = "app"
	KindRoute    Kind = "route"
	KindRedirect Kind = "redirect"
)

// Meta is the response metadata stored with every variant.
type Meta struct {
	Status  int
	Headers http.Header
}

// CacheValue is one of *PageValue, *AppValue, *RouteValue or
// *RedirectValue. The set is closed.
type CacheValue interface {
	Kind() Kind
	Metadata() Meta
	sealed()
}

// PageValue is a pages-router artifact: HTML plus the data JSON.
type PageValue struct {
	Meta
	HTML []byte
	JSON []byte
}

// AppValue is an app-router artifact: HTML, the full RSC payload and
// optional per-segment prefetch payloads.
type AppValue struct {
	Meta
	HTML     []byte
	RSC      []byte
	Segments map[string][]byte
}

// RouteValue is a cached route handler response.
type RouteValue struct {
	Meta
	Body []byte
}

// RedirectValue replays a stored redirect.
type RedirectValue struct {
	Meta
}

func (*PageValue) Kind() Kind     { return KindPage }
func (*AppValue) Kind() Kind      { return KindApp }
func (*RouteValue) Kind() Kind    { return KindRoute }
func (*RedirectValue) Kind() Kind { return KindRedirect }

func (v *PageValue) Metadata() Meta     { return v.Meta }
func (v *AppValue) Metadata() Meta      { return v.Meta }
func (v *RouteValue) Metadata() Meta    { return v.Meta }
func (v *RedirectValue) Metadata() Meta { return v.Meta }

func (*PageValue) sealed()     {}
func (*AppValue) sealed()      {}
func (*RouteValue) sealed()    {}
func (*RedirectValue) sealed() {}

// CacheEntry is what the content store returns for a key.
type CacheEntry struct {
	Value        CacheValue
	LastModified time.Time
	// Revalidate overrides the prerender manifest when Set.
	Revalidate manifest.Revalidate
}

// Tags returns the invalidation tags of app and route entries.
func (e *CacheEntry) Tags() []string {
	switch e.Value.(type) {
	case *AppValue, *RouteValue:
	default:
		return nil
	}
	raw := e.Value.Metadata().Headers.Get(edge.HeaderCacheTags)
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ContentStore looks up cached artifacts. A nil entry with a nil error is a
// miss.
type ContentStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
}

// TagStore answers tag invalidation queries.
type TagStore interface {
	WasRevalidatedAfter(ctx context.Context, tags []string, t time.Time) (bool, error)
}

// Queue accepts revalidation messages. Send is fire-and-forget.
type Queue interface {
	Send(ctx context.Context, msg queue.Message, dedupKey, partition string) error
}
