package crawler

import (
	"net/http"
	"time"
)

// CacheRecord is the durable shape of one cached page.
type CacheRecord struct {
	HTML      string    `json:"html"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// Age reports how old the record is relative to now.
func (r CacheRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// FreshAt reports whether the record is still valid at now for the given TTL.
// A record is valid for reads in [Timestamp, Timestamp+ttl].
func (r CacheRecord) FreshAt(now time.Time, ttl time.Duration) bool {
	return r.Age(now) <= ttl
}

// DelayWindow bounds the randomized pause taken before a request.
type DelayWindow struct {
	Min time.Duration
	Max time.Duration
}

// FetchRequest captures everything a FetchClient needs for one attempt.
type FetchRequest struct {
	URL      string
	Identity string
	Delay    DelayWindow
}

// FetchResponse is the outcome of a single HTTP exchange. Error statuses are
// reported here rather than as errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Headers    http.Header
	Delay      time.Duration
	Duration   time.Duration
}

// Page is a fetched document handed to a Parser.
type Page struct {
	URL       string
	HTML      string
	FromCache bool
}

// Record is one flat parsed item. Downstream consumers tolerate missing fields.
type Record map[string]any
