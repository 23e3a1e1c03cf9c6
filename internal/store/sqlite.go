package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteTagStore persists tag revalidation times in a sqlite table.
type SQLiteTagStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteTagStore opens (or creates) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteTagStore(path string) (*SQLiteTagStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS tags (tag TEXT PRIMARY KEY, revalidated_at INTEGER NOT NULL)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: sqlite init: %w", err)
		}
	}
	return &SQLiteTagStore{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *SQLiteTagStore) WasRevalidatedAfter(ctx context.Context, tags []string, t time.Time) (bool, error) {
	if len(tags) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(tags)+1)
	args = append(args, t.UnixMilli())
	for _, tag := range tags {
		args = append(args, tag)
	}
	q := "SELECT COUNT(*) FROM tags WHERE revalidated_at > ? AND tag IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",") + ")"
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("store: query tags: %w", err)
	}
	return n > 0, nil
}

// RevalidateTags records t for every tag. An existing later timestamp is
// kept.
func (s *SQLiteTagStore) RevalidateTags(ctx context.Context, tags []string, t time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO tags (tag, revalidated_at) VALUES (?, ?) "+
				"ON CONFLICT(tag) DO UPDATE SET revalidated_at = MAX(revalidated_at, excluded.revalidated_at)",
			tag, t.UnixMilli())
		if err != nil {
			return fmt.Errorf("store: write tag %s: %w", tag, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteTagStore) Close() error {
	return s.db.Close()
}
