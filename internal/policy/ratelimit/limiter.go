// Package ratelimit enforces a minimum spacing between requests to the same
// host, so concurrent collection never hammers one storefront.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer receives how long a caller was held back for host.
type Observer func(host string, waited time.Duration)

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum time between two requests to one host.
	// Zero disables limiting.
	MinInterval time.Duration
	Observer    Observer
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	observe  Observer
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	every := rate.Inf
	if cfg.MinInterval > 0 {
		every = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		observe:  cfg.Observer,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l.every == rate.Inf {
		return nil
	}
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.every, 1)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were already available cost nothing worth reporting.
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
