package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-crawler/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer fetcher.Close()
	assert.Equal(t, 2, cap(fetcher.limiter))
	assert.Equal(t, defaultNavTimeout, fetcher.navTimeout())
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	assert.Equal(t, 45*time.Second, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, fetcher.navTimeout())
}

func TestFetchOnceCanceledBeforeBrowserStarts(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	defer fetcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fetcher.FetchOnce(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.DeadlineExceeded)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestTimeoutClassification(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	assert.True(t, fetcher.Timeout(fmt.Errorf("%w: https://x", ErrNavigationTimeout)))
	assert.False(t, fetcher.Timeout(errors.New("chromedp run: net::ERR_NAME_NOT_RESOLVED")))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  429,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"Retry-After": "30"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/iframe"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 429, status)
	assert.Equal(t, "30", headers.Get("Retry-After"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)
}
