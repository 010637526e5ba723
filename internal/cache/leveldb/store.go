// Package leveldb implements the page cache on an embedded goleveldb database.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

const keyPrefix = "c:"

// Store keeps records under "c:<key>" in a leveldb database.
type Store struct {
	db     *leveldb.DB
	opts   cache.Options
	locks  *cache.KeyLocks
	logger *zap.Logger
}

// New opens (or creates) the database at path.
func New(path string, opts cache.Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	opts = opts.WithDefaults()
	return &Store{
		db:     db,
		opts:   opts,
		locks:  cache.NewKeyLocks(),
		logger: opts.Logger.Named("cache.leveldb"),
	}, nil
}

func dbKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// Get returns the record for url if it is still fresh.
func (s *Store) Get(ctx context.Context, url string) (crawler.CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CacheRecord{}, false, err
	}
	data, err := s.db.Get(dbKey(cache.Key(url)), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return crawler.CacheRecord{}, false, nil
		}
		if errors.Is(err, leveldb.ErrClosed) {
			return crawler.CacheRecord{}, false, cache.ErrClosed
		}
		return crawler.CacheRecord{}, false, fmt.Errorf("leveldb get: %w", err)
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

// Put replaces the record for url.
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
	if err := s.db.Put(dbKey(key), data, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// EvictOlderThan sweeps the keyspace for stale records, then deletes each one
// under its key lock after re-reading it, so a concurrent Put is never lost.
func (s *Store) EvictOlderThan(ctx context.Context, age time.Duration) (int, error) {
	now := s.opts.Clock.Now()
	var candidates []string

	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			it.Release()
			return 0, err
		}
		if age > 0 && !stale(it.Value(), now, age) {
			continue
		}
		candidates = append(candidates, strings.TrimPrefix(string(it.Key()), keyPrefix))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}

	removed := 0
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
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

	data, err := s.db.Get(dbKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("leveldb get: %w", err)
	}
	if age > 0 {
		if !stale(data, now, age) {
			return false, nil
		}
		if _, err := cache.Decode(data); err != nil {
			s.logger.Warn("evicting corrupt cache record", zap.String("key", key), zap.Error(err))
		}
	}
	if err := s.db.Delete(dbKey(key), nil); err != nil {
		return false, fmt.Errorf("leveldb evict: %w", err)
	}
	return true, nil
}

// stale reports whether data is older than age or fails to decode.
func stale(data []byte, now time.Time, age time.Duration) bool {
	rec, err := cache.Decode(data)
	return err != nil || cache.Expired(rec.Timestamp, now, age)
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close leveldb: %w", err)
	}
	return nil
}
