package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesSameHost(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		observed []string
	)
	l := New(Config{
		MinInterval: 100 * time.Millisecond,
		Observer: func(host string, _ time.Duration) {
			mu.Lock()
			observed = append(observed, host)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://Shop.test/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://shop.test/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"shop.test"}, observed)
}

func TestLimiterDifferentHostsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.test/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.test/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 10 {
		require.NoError(t, l.Wait(context.Background(), "https://a.test/"))
	}
	assert.Empty(t, l.limiters)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "https://a.test/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://a.test/"))
}
