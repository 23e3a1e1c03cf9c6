package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"edgerouter/internal/isr"
)

// MemoryStore is an unbounded in-process content store.
type MemoryStore struct {
	mu sync.RWMutex
	db map[string]*isr.CacheEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: make(map[string]*isr.CacheEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*isr.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db[key], nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, ent *isr.CacheEntry) error {
	if _, err := toRecord(ent); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !newer(m.db[key], ent) {
		return ErrStale
	}
	m.db[key] = ent
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.db))
	for k := range m.db {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryTagStore keeps tag revalidation times in a map.
type MemoryTagStore struct {
	mu   sync.RWMutex
	tags map[string]time.Time
}

func NewMemoryTagStore() *MemoryTagStore {
	return &MemoryTagStore{tags: make(map[string]time.Time)}
}

func (m *MemoryTagStore) WasRevalidatedAfter(ctx context.Context, tags []string, t time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tag := range tags {
		if at, ok := m.tags[tag]; ok && at.After(t) {
			return true, nil
		}
	}
	return false, nil
}

// RevalidateTags records t for every tag. Timestamps only move forward.
func (m *MemoryTagStore) RevalidateTags(ctx context.Context, tags []string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if cur, ok := m.tags[tag]; !ok || t.After(cur) {
			m.tags[tag] = t
		}
	}
	return nil
}
