// Package memory provides an in-process page cache for tests and one-shot
// CLI runs where nothing should touch disk.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// Store keeps encoded records in a map so reads exercise the same codec as
// the durable backends.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	opts cache.Options
}

// New returns an empty Store.
func New(opts cache.Options) *Store {
	return &Store{data: make(map[string][]byte), opts: opts.WithDefaults()}
}

// Get returns the record for url if it is still fresh.
func (s *Store) Get(_ context.Context, url string) (crawler.CacheRecord, bool, error) {
	s.mu.RLock()
	raw, ok := s.data[cache.Key(url)]
	s.mu.RUnlock()
	if !ok {
		return crawler.CacheRecord{}, false, nil
	}
	rec, err := cache.Decode(raw)
	if err != nil {
		return crawler.CacheRecord{}, false, err
	}
	if !rec.FreshAt(s.opts.Clock.Now(), s.opts.TTL) {
		return crawler.CacheRecord{}, false, nil
	}
	return rec, true, nil
}

// Put replaces the record for url.
func (s *Store) Put(_ context.Context, url string, html string) error {
	data, err := cache.Encode(crawler.CacheRecord{HTML: html, URL: url, Timestamp: s.opts.Clock.Now()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[cache.Key(url)] = data
	s.mu.Unlock()
	return nil
}

// EvictOlderThan removes records older than age.
func (s *Store) EvictOlderThan(_ context.Context, age time.Duration) (int, error) {
	now := s.opts.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, raw := range s.data {
		if age > 0 {
			rec, err := cache.Decode(raw)
			if err == nil && !cache.Expired(rec.Timestamp, now, age) {
				continue
			}
		}
		delete(s.data, key)
		removed++
	}
	return removed, nil
}

// Len reports how many records are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
