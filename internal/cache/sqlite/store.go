// Package sqlite implements the page cache in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

const schema = `CREATE TABLE IF NOT EXISTS pages (
	key       TEXT PRIMARY KEY,
	url       TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	record    TEXT NOT NULL
)`

// Store keeps one row per URL key. stored_at mirrors the record timestamp so
// age eviction can run as a single DELETE.
type Store struct {
	db     *sql.DB
	opts   cache.Options
	logger *zap.Logger
}

// New opens (or creates) the database file at path.
func New(path string, opts cache.Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pages table: %w", err)
	}
	opts = opts.WithDefaults()
	return &Store{db: db, opts: opts, logger: opts.Logger.Named("cache.sqlite")}, nil
}

// Get returns the record for url if it is still fresh.
func (s *Store) Get(ctx context.Context, url string) (crawler.CacheRecord, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM pages WHERE key = ?", cache.Key(url)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.CacheRecord{}, false, nil
		}
		return crawler.CacheRecord{}, false, fmt.Errorf("sqlite get: %w", err)
	}
	rec, err := cache.Decode([]byte(raw))
	if err != nil {
		return crawler.CacheRecord{}, false, err
	}
	if !rec.FreshAt(s.opts.Clock.Now(), s.opts.TTL) {
		return crawler.CacheRecord{}, false, nil
	}
	return rec, true, nil
}

// Put upserts the record for url.
func (s *Store) Put(ctx context.Context, url string, html string) error {
	now := s.opts.Clock.Now()
	data, err := cache.Encode(crawler.CacheRecord{HTML: html, URL: url, Timestamp: now})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pages (key, url, stored_at, record) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET url = excluded.url, stored_at = excluded.stored_at, record = excluded.record`,
		cache.Key(url), url, now.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// EvictOlderThan deletes rows older than age, plus any row whose record no
// longer decodes.
func (s *Store) EvictOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		res, err := s.db.ExecContext(ctx, "DELETE FROM pages")
		if err != nil {
			return 0, fmt.Errorf("sqlite evict: %w", err)
		}
		return s.rowsEvicted(res)
	}
	cutoff := s.opts.Clock.Now().Add(-age).UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM pages WHERE stored_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite evict: %w", err)
	}
	removed, err := s.rowsEvicted(res)
	if err != nil {
		return 0, err
	}
	corrupt, err := s.evictCorrupt(ctx)
	return removed + corrupt, err
}

// evictCorrupt deletes rows that fail cache.Decode. Keys are collected before
// deleting because the pool holds a single connection.
func (s *Store) evictCorrupt(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, record FROM pages")
	if err != nil {
		return 0, fmt.Errorf("sqlite scan: %w", err)
	}
	var bad []string
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("sqlite scan row: %w", err)
		}
		if _, err := cache.Decode([]byte(raw)); err != nil {
			bad = append(bad, key)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("sqlite scan: %w", err)
	}
	_ = rows.Close()

	removed := 0
	for _, key := range bad {
		res, err := s.db.ExecContext(ctx, "DELETE FROM pages WHERE key = ?", key)
		if err != nil {
			return removed, fmt.Errorf("sqlite evict corrupt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("sqlite evict count: %w", err)
		}
		removed += int(n)
	}
	if removed > 0 {
		s.logger.Warn("evicted corrupt cache rows", zap.Int("rows", removed))
	}
	return removed, nil
}

func (s *Store) rowsEvicted(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite evict count: %w", err)
	}
	if n > 0 {
		s.logger.Debug("evicted cache rows", zap.Int64("rows", n))
	}
	return int(n), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
