// Package cachetest holds the behavior every crawler.CacheStore backend must
// share, so each backend runs the same checks.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// Clock is a settable clock for TTL tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store using clock and ttl.
type Factory func(t *testing.T, clock crawler.Clock, ttl time.Duration) crawler.CacheStore

// Corrupt overwrites the stored bytes for an existing url with data that no
// longer decodes, reaching under the store's API.
type Corrupt func(t *testing.T, store crawler.CacheStore, url string)

// Run exercises the shared store contract against factory. corrupt plants
// undecodable records for the eviction checks.
func Run(t *testing.T, factory Factory, corrupt Corrupt) {
	t.Helper()

	t.Run("miss on empty store", func(t *testing.T) {
		store := factory(t, NewClock(), time.Hour)
		_, ok, err := store.Get(context.Background(), "http://a.test/x")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put then get", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock, time.Hour)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "http://a.test/x", "<html>A</html>"))
		rec, ok, err := store.Get(ctx, "http://a.test/x")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "<html>A</html>", rec.HTML)
		assert.Equal(t, "http://a.test/x", rec.URL)
		assert.True(t, clock.Now().Equal(rec.Timestamp))

		_, ok, err = store.Get(ctx, "http://a.test/y")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overwrite replaces payload and stamp", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock, time.Hour)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "http://a.test/x", "old"))
		clock.Advance(50 * time.Minute)
		require.NoError(t, store.Put(ctx, "http://a.test/x", "new"))
		clock.Advance(50 * time.Minute)

		rec, ok, err := store.Get(ctx, "http://a.test/x")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", rec.HTML)
	})

	t.Run("ttl boundary", func(t *testing.T) {
		clock := NewClock()
		ttl := 24 * time.Hour
		store := factory(t, clock, ttl)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "http://a.test/x", "body"))
		clock.Advance(ttl)
		_, ok, err := store.Get(ctx, "http://a.test/x")
		require.NoError(t, err)
		assert.True(t, ok, "entry must be valid at exactly t+ttl")

		clock.Advance(time.Nanosecond)
		_, ok, err = store.Get(ctx, "http://a.test/x")
		require.NoError(t, err)
		assert.False(t, ok, "entry must be invalid after t+ttl")
	})

	t.Run("evict older than", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock, 48*time.Hour)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "http://a.test/old", "old"))
		clock.Advance(2 * time.Hour)
		require.NoError(t, store.Put(ctx, "http://a.test/new", "new"))

		removed, err := store.EvictOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err := store.Get(ctx, "http://a.test/old")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = store.Get(ctx, "http://a.test/new")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("evict removes corrupt records", func(t *testing.T) {
		store := factory(t, NewClock(), time.Hour)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "http://a.test/good", "good"))
		require.NoError(t, store.Put(ctx, "http://a.test/bad", "bad"))
		corrupt(t, store, "http://a.test/bad")

		_, ok, err := store.Get(ctx, "http://a.test/bad")
		require.ErrorIs(t, err, cache.ErrCorrupt)
		assert.False(t, ok)

		removed, err := store.EvictOlderThan(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err = store.Get(ctx, "http://a.test/bad")
		require.NoError(t, err)
		assert.False(t, ok)
		rec, ok, err := store.Get(ctx, "http://a.test/good")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "good", rec.HTML)
	})

	t.Run("evict zero empties store", func(t *testing.T) {
		store := factory(t, NewClock(), time.Hour)
		ctx := context.Background()
		for i := range 5 {
			require.NoError(t, store.Put(ctx, fmt.Sprintf("http://a.test/%d", i), "x"))
		}

		removed, err := store.EvictOlderThan(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, removed)

		removed, err = store.EvictOlderThan(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("concurrent writers of one key", func(t *testing.T) {
		store := factory(t, NewClock(), time.Hour)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Put(ctx, "http://a.test/x", fmt.Sprintf("body-%d", i)))
			}()
		}
		wg.Wait()

		rec, ok, err := store.Get(ctx, "http://a.test/x")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, rec.HTML, "body-")
	})
}
