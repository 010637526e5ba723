// Package cached composes a page cache and a fetch client behind a single
// FetchPage call with bounded, paced retries.
package cached

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/identity"
	"github.com/JakeFAU/market-crawler/internal/metrics"
	"github.com/JakeFAU/market-crawler/internal/policy/blocklist"
)

// Config tunes retry and pacing.
type Config struct {
	// MaxRetries bounds the total number of network attempts per call.
	MaxRetries int
	// Delay is the pre-request window for the first attempt.
	Delay crawler.DelayWindow
	// RetryDelay is the longer window used for every later attempt.
	RetryDelay crawler.DelayWindow
}

// Deps carries collaborators. Client is required; a nil Cache disables
// caching entirely.
type Deps struct {
	Client     crawler.FetchClient
	Cache      crawler.CacheStore
	Identities *identity.Pool
	Limiter    crawler.HostLimiter
	Detector   crawler.ChallengeDetector
	Blocklist  *blocklist.Blocklist
	Logger     *zap.Logger
}

// Attempt describes one network try. It is not persisted.
type Attempt struct {
	URL        string
	Number     int
	Identity   string
	Outcome    Outcome
	Reason     string
	StatusCode int
	Delay      time.Duration
	Err        error
}

// Result is the detailed outcome of Fetch.
type Result struct {
	URL       string
	HTML      string
	FromCache bool
	Attempts  []Attempt
}

// Fetcher implements crawler.PageFetcher.
type Fetcher struct {
	cfg    Config
	deps   Deps
	policy retryPolicy
	group  singleflight.Group
	logger *zap.Logger

	flightsMu sync.Mutex
	flights   map[string]*flight
}

// New validates cfg and builds a Fetcher.
func New(cfg Config, deps Deps) (*Fetcher, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("fetch client is required")
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be > 0")
	}
	if deps.Identities == nil {
		deps.Identities = identity.NewPool(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:  cfg,
		deps: deps,
		policy: retryPolicy{
			maxRetries: cfg.MaxRetries,
			detector:   deps.Detector,
			client:     deps.Client,
		},
		logger:  deps.Logger.Named("fetcher"),
		flights: make(map[string]*flight),
	}, nil
}

// FetchPage returns the page body, or false when the page could not be
// obtained. Failures are logged, never returned.
func (f *Fetcher) FetchPage(ctx context.Context, url string, useCache bool) (string, bool) {
	res, ok := f.Fetch(ctx, url, useCache)
	if !ok {
		return "", false
	}
	return res.HTML, true
}

// Fetch is FetchPage with per-attempt detail. Concurrent calls for the same
// URL and cache mode share one underlying sequence. Each caller stops
// waiting when its own ctx ends; the shared sequence is canceled only once
// every waiter has gone.
func (f *Fetcher) Fetch(ctx context.Context, url string, useCache bool) (Result, bool) {
	if err := ctx.Err(); err != nil {
		f.logger.Info("fetch canceled", zap.String("url", url), zap.Error(err))
		return Result{URL: url}, false
	}
	key := strconv.FormatBool(useCache) + "|" + url
	for {
		fl := f.join(ctx, key)
		ch := f.group.DoChan(key, func() (any, error) {
			res, ok := f.fetch(fl.ctx, url, useCache)
			return fetchOutcome{res: res, ok: ok, abandoned: fl.ctx.Err() != nil}, nil
		})
		select {
		case r := <-ch:
			f.leave(key, fl)
			out := r.Val.(fetchOutcome)
			// A sequence abandoned by earlier waiters says nothing about this caller.
			if !out.ok && out.abandoned && ctx.Err() == nil {
				continue
			}
			return out.res, out.ok
		case <-ctx.Done():
			f.leave(key, fl)
			f.logger.Info("fetch canceled while waiting", zap.String("url", url), zap.Error(ctx.Err()))
			return Result{URL: url}, false
		}
	}
}

type fetchOutcome struct {
	res       Result
	ok        bool
	abandoned bool
}

// flight is the context shared by every waiter on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (f *Fetcher) join(ctx context.Context, key string) *flight {
	f.flightsMu.Lock()
	defer f.flightsMu.Unlock()
	fl, ok := f.flights[key]
	if !ok {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: shared, cancel: cancel}
		f.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (f *Fetcher) leave(key string, fl *flight) {
	f.flightsMu.Lock()
	defer f.flightsMu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
}

func (f *Fetcher) fetch(ctx context.Context, url string, useCache bool) (Result, bool) {
	result := Result{URL: url}
	logger := f.logger.With(zap.String("url", url))

	if useCache && f.deps.Cache != nil {
		if html, ok := f.lookup(ctx, logger, url); ok {
			result.HTML = html
			result.FromCache = true
			return result, true
		}
	}

	if f.deps.Blocklist.IsBlocked(url) {
		logger.Info("url host is blocklisted; not fetching")
		metrics.ObserveFetchAttempt(url, "blocked", 0)
		return result, false
	}

	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			logger.Info("fetch canceled", zap.Int("attempt", attempt), zap.Error(err))
			return result, false
		}

		window := f.cfg.Delay
		if attempt > 0 {
			window = f.cfg.RetryDelay
		}
		if f.deps.Limiter != nil {
			if err := f.deps.Limiter.Wait(ctx, url); err != nil {
				logger.Info("fetch canceled while rate limited", zap.Error(err))
				return result, false
			}
		}

		agent := f.deps.Identities.Pick()
		resp, err := f.deps.Client.FetchOnce(ctx, crawler.FetchRequest{URL: url, Identity: agent, Delay: window})
		outcome, reason := f.policy.classify(ctx, resp, err, attempt)

		result.Attempts = append(result.Attempts, Attempt{
			URL:        url,
			Number:     attempt,
			Identity:   agent,
			Outcome:    outcome,
			Reason:     reason,
			StatusCode: resp.StatusCode,
			Delay:      resp.Delay,
			Err:        err,
		})
		metrics.ObserveFetchAttempt(url, string(outcome), len(resp.Body))

		switch outcome {
		case OutcomeSuccess:
			result.HTML = string(resp.Body)
			if useCache && f.deps.Cache != nil {
				f.store(ctx, logger, url, result.HTML)
			}
			logger.Debug("fetched page",
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
				zap.Int("bytes", len(resp.Body)),
			)
			return result, true
		case OutcomeTerminal:
			logger.Warn("fetch failed",
				zap.Int("attempt", attempt),
				zap.String("reason", reason),
				zap.Int("status", resp.StatusCode),
				zap.Error(err),
			)
			return result, false
		default:
			metrics.ObserveFetchRetry(url, reason)
			logger.Info("retryable fetch failure",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", f.cfg.MaxRetries),
				zap.String("reason", reason),
				zap.Int("status", resp.StatusCode),
				zap.Error(err),
			)
		}
	}

	logger.Warn("retry budget exhausted", zap.Int("attempts", len(result.Attempts)))
	return result, false
}

func (f *Fetcher) lookup(ctx context.Context, logger *zap.Logger, url string) (string, bool) {
	rec, ok, err := f.deps.Cache.Get(ctx, url)
	switch {
	case err != nil:
		metrics.ObserveCacheLookup("error")
		logger.Warn("cache read failed; treating as miss", zap.Error(err))
		return "", false
	case !ok:
		metrics.ObserveCacheLookup("miss")
		return "", false
	default:
		metrics.ObserveCacheLookup("hit")
		logger.Debug("cache hit", zap.Time("stored_at", rec.Timestamp))
		return rec.HTML, true
	}
}

func (f *Fetcher) store(ctx context.Context, logger *zap.Logger, url, html string) {
	if err := f.deps.Cache.Put(ctx, url, html); err != nil {
		logger.Warn("cache write failed", zap.Error(err))
	}
}
