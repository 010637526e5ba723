package crawler

import (
	"context"
	"io"
	"time"
)

// CacheStore persists fetched pages keyed by URL digest.
type CacheStore interface {
	Get(ctx context.Context, url string) (CacheRecord, bool, error)
	Put(ctx context.Context, url string, html string) error
	EvictOlderThan(ctx context.Context, age time.Duration) (int, error)
	Close() error
}

// FetchClient performs exactly one paced GET. It never retries.
type FetchClient interface {
	FetchOnce(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// PageFetcher resolves a URL to HTML, consulting the cache when asked.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, useCache bool) (string, bool)
}

// Parser turns a page into at most limit records.
type Parser interface {
	Parse(ctx context.Context, page Page, limit int) ([]Record, error)
}

// ChallengeDetector flags bot walls and captcha interstitials served with 2xx.
type ChallengeDetector interface {
	IsChallenge(body []byte) bool
}

// HostLimiter spaces requests to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, url string) error
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes export notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration or until the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
