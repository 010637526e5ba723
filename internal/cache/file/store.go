// Package file implements the default page cache: one JSON record per URL
// under a directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

const recordExt = ".json"

// Store keeps cache records as <dir>/<key>.json.
type Store struct {
	dir    string
	opts   cache.Options
	locks  *cache.KeyLocks
	logger *zap.Logger
}

// New creates the directory if needed and returns a Store rooted there.
func New(dir string, opts cache.Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	opts = opts.WithDefaults()
	return &Store{
		dir:    dir,
		opts:   opts,
		locks:  cache.NewKeyLocks(),
		logger: opts.Logger.Named("cache.file"),
	}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+recordExt)
}

// Get returns the record for url if it is still fresh.
func (s *Store) Get(ctx context.Context, url string) (crawler.CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CacheRecord{}, false, err
	}
	data, err := os.ReadFile(s.path(cache.Key(url)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return crawler.CacheRecord{}, false, nil
		}
		return crawler.CacheRecord{}, false, fmt.Errorf("read cache record: %w", err)
	}
	rec, err := cache.Decode(data)
	if err != nil {
		return crawler.CacheRecord{}, false, err
	}
	if !rec.FreshAt(s.opts.Clock.Now(), s.opts.TTL) {
		return crawler.CacheRecord{}, false, nil
	}
	return rec, true, nil
}

// Put replaces the record for url. The write lands in a temp file that is
// renamed into place so readers never observe a partial record.
func (s *Store) Put(ctx context.Context, url string, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cache.Key(url)
	data, err := cache.Encode(crawler.CacheRecord{HTML: html, URL: url, Timestamp: s.opts.Clock.Now()})
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// EvictOlderThan removes every record older than age and returns how many
// were removed. Undecodable records are removed as well.
func (s *Store) EvictOlderThan(ctx context.Context, age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list cache directory: %w", err)
	}
	now := s.opts.Clock.Now()
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		key := strings.TrimSuffix(name, recordExt)
		ok, err := s.evictOne(key, now, age)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) evictOne(key string, now time.Time, age time.Duration) (bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	path := s.path(key)
	if age > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("read cache record: %w", err)
		}
		rec, err := cache.Decode(data)
		if err == nil && !cache.Expired(rec.Timestamp, now, age) {
			return false, nil
		}
		if err != nil {
			s.logger.Warn("evicting corrupt cache record", zap.String("key", key), zap.Error(err))
		}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove cache record: %w", err)
	}
	return true, nil
}

// Close is a no-op; records are already durable.
func (s *Store) Close() error {
	return nil
}
