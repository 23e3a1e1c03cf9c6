package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"edgerouter/internal/isr"
)

// TieredStore keeps hot entries in a RAM LRU and everything in leveldb.
type TieredStore struct {
	ram  *ramCache
	disk *diskCache

	// serializes Put so the lastModified check and the write are atomic
	putMu sync.Mutex

	overflowLog *rateLimitedLogger
	log         zerolog.Logger
}

// TieredConfig sizes the two tiers. Zero means unbounded.
type TieredConfig struct {
	Path     string
	RAMBytes int64
	DiskMax  int64
}

func NewTieredStore(cfg TieredConfig, logger zerolog.Logger) (*TieredStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: tiered store needs a disk path")
	}
	disk, err := newDiskCache(cfg.Path, cfg.DiskMax)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb %s: %w", cfg.Path, err)
	}
	l := logger.With().Str("component", "store").Str("store", "tiered").Logger()
	return &TieredStore{
		ram:         newRAMCache(cfg.RAMBytes),
		disk:        disk,
		overflowLog: newRateLimitedLogger(time.Minute, l),
		log:         l,
	}, nil
}

func (s *TieredStore) Get(ctx context.Context, key string) (*isr.CacheEntry, error) {
	if ent, ok := s.ram.Get(key); ok {
		return ent, nil
	}
	b, ok, err := s.disk.Get(key)
	if err != nil {
		return nil, fmt.Errorf("store: disk get %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	ent, err := Decode(b)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable disk entry")
		s.disk.Delete(key)
		return nil, nil
	}
	s.ram.Put(key, ent, b, s.disk, s.overflowLog)
	return ent, nil
}

// Put writes through both tiers. Entries older than the stored version are
// rejected with ErrStale.
func (s *TieredStore) Put(ctx context.Context, key string, ent *isr.CacheEntry) error {
	b, err := Encode(ent)
	if err != nil {
		return err
	}

	s.putMu.Lock()
	defer s.putMu.Unlock()

	cur, err := s.peek(key)
	if err != nil {
		return err
	}
	if !newer(cur, ent) {
		return ErrStale
	}
	if !s.ram.Put(key, ent, b, s.disk, s.overflowLog) {
		s.ram.Delete(key)
	}
	s.disk.PutAsync(key, b)
	return nil
}

func (s *TieredStore) peek(key string) (*isr.CacheEntry, error) {
	if ent, ok := s.ram.Peek(key); ok {
		return ent, nil
	}
	s.disk.Flush()
	b, ok, err := s.disk.Peek(key)
	if err != nil || !ok {
		return nil, err
	}
	ent, err := Decode(b)
	if err != nil {
		return nil, nil
	}
	return ent, nil
}

func (s *TieredStore) Delete(ctx context.Context, key string) error {
	s.ram.Delete(key)
	s.disk.Delete(key)
	return nil
}

// Keys returns the union of both tiers, sorted.
func (s *TieredStore) Keys(ctx context.Context) ([]string, error) {
	m := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		m[k] = struct{}{}
	}
	for _, k := range s.disk.Keys() {
		m[k] = struct{}{}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Usage reports the bytes held by each tier.
func (s *TieredStore) Usage() (ram, disk int64) {
	return s.ram.TotalSize(), s.disk.TotalSize()
}

// Flush blocks until pending disk writes are applied.
func (s *TieredStore) Flush() { s.disk.Flush() }

func (s *TieredStore) Close() error {
	return s.disk.close()
}
