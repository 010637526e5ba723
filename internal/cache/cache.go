// Package cache holds the pieces shared by every page cache backend: the
// on-disk record codec, per-key write locks and the freshness rule.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/hash/sha256"
)

// DefaultTTL is used when a backend is built without a TTL.
const DefaultTTL = 24 * time.Hour

var (
	// ErrCorrupt marks a stored record that cannot be decoded.
	ErrCorrupt = errors.New("cache: corrupt record")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// Options carries the knobs every backend accepts.
type Options struct {
	TTL    time.Duration
	Clock  crawler.Clock
	Logger *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// WithDefaults fills in zero-valued options.
func (o Options) WithDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = wallClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Key derives the storage key for a URL.
func Key(url string) string {
	return sha256.Key(url)
}

// Encode serializes a record in the durable {html,url,timestamp} shape.
func Encode(rec crawler.CacheRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return data, nil
}

// Decode parses a stored record. Records without a timestamp are corrupt.
func Decode(data []byte) (crawler.CacheRecord, error) {
	var rec crawler.CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawler.CacheRecord{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Timestamp.IsZero() || strings.TrimSpace(rec.URL) == "" {
		return crawler.CacheRecord{}, fmt.Errorf("%w: missing url or timestamp", ErrCorrupt)
	}
	return rec, nil
}

// Expired reports whether a record stored at storedAt should be swept by an
// eviction with the given age limit. A non-positive limit sweeps everything.
func Expired(storedAt, now time.Time, age time.Duration) bool {
	if age <= 0 {
		return true
	}
	return now.Sub(storedAt) > age
}

// KeyLocks hands out one mutex per key so concurrent writers of the same
// URL are serialized while distinct URLs proceed in parallel.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns its release func.
func (l *KeyLocks) Lock(key string) func() {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &keyLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
