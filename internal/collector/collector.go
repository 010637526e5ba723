// Package collector spreads a fixed sampling budget across source URLs.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
	"github.com/JakeFAU/market-crawler/internal/metrics"
)

// ErrNoURLs is returned when Collect is called without sources.
var ErrNoURLs = errors.New("no source urls")

// SourceURLField is added to records whose parser did not set it.
const SourceURLField = "source_url"

// Config tunes collection.
type Config struct {
	// Workers above 1 fetch URLs concurrently; output order is unchanged.
	Workers int
}

// Deps carries collaborators. Fetcher and Parser are required.
type Deps struct {
	Fetcher crawler.PageFetcher
	Parser  crawler.Parser
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// URLStat summarizes one visited source URL.
type URLStat struct {
	URL       string `json:"url"`
	Records   int    `json:"records"`
	Fetched   bool   `json:"fetched"`
	FromCache bool   `json:"from_cache"`
}

// Batch is the result of one Collect call.
type Batch struct {
	RunID      string           `json:"run_id"`
	Records    []crawler.Record `json:"records"`
	URLs       []URLStat        `json:"urls"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// resultFetcher is implemented by fetchers that can report cache provenance.
type resultFetcher interface {
	Fetch(ctx context.Context, url string, useCache bool) (cached.Result, bool)
}

// Collector gathers records from many pages.
type Collector struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds a Collector.
func New(cfg Config, deps Deps) (*Collector, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if deps.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, deps: deps, logger: deps.Logger.Named("collector")}, nil
}

// Quota is the per-URL record allowance: max(1, sampleSize/urlCount).
func Quota(sampleSize, urlCount int) int {
	if urlCount <= 0 {
		return 0
	}
	return max(1, sampleSize/urlCount)
}

// Collect visits urls in order, taking at most Quota records from each, and
// stops once sampleSize records are held. A cancelled context returns the
// partial batch together with the context error.
func (c *Collector) Collect(ctx context.Context, urls []string, sampleSize int, useCache bool) (*Batch, error) {
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	batch := &Batch{StartedAt: c.deps.Clock.Now()}
	if c.deps.IDs != nil {
		id, err := c.deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("run id: %w", err)
		}
		batch.RunID = id
	}
	logger := c.logger.With(zap.String("run_id", batch.RunID))

	if sampleSize <= 0 {
		batch.FinishedAt = c.deps.Clock.Now()
		return batch, nil
	}

	quota := Quota(sampleSize, len(urls))
	logger.Info("collecting sample",
		zap.Int("urls", len(urls)),
		zap.Int("sample_size", sampleSize),
		zap.Int("quota", quota),
		zap.Int("workers", c.cfg.Workers),
	)

	var err error
	if c.cfg.Workers > 1 && len(urls) > 1 {
		err = c.collectConcurrent(ctx, batch, urls, sampleSize, quota, useCache)
	} else {
		err = c.collectSequential(ctx, batch, urls, sampleSize, quota, useCache)
	}

	if len(batch.Records) > sampleSize {
		batch.Records = batch.Records[:sampleSize]
	}
	batch.FinishedAt = c.deps.Clock.Now()
	metrics.ObserveCollectedRecords(len(batch.Records))

	if err != nil {
		logger.Warn("collection interrupted", zap.Int("records", len(batch.Records)), zap.Error(err))
		return batch, err
	}
	logger.Info("collection finished",
		zap.Int("records", len(batch.Records)),
		zap.Int("visited", len(batch.URLs)),
		zap.Duration("elapsed", batch.FinishedAt.Sub(batch.StartedAt)),
	)
	return batch, nil
}

func (c *Collector) collectSequential(ctx context.Context, batch *Batch, urls []string, sampleSize, quota int, useCache bool) error {
	for _, u := range urls {
		if len(batch.Records) >= sampleSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res := c.collectOne(ctx, u, quota, useCache)
		if err := ctx.Err(); err != nil {
			return err
		}
		batch.add(res)
	}
	return nil
}

// collectConcurrent fetches ahead with a bounded pool but accumulates in URL
// order, so the batch matches the sequential one.
func (c *Collector) collectConcurrent(ctx context.Context, batch *Batch, urls []string, sampleSize, quota int, useCache bool) error {
	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		mu      sync.Mutex
		results = make([]*urlResult, len(urls))
		next    int
		total   int
	)
	g, gctx := errgroup.WithContext(workCtx)
	g.SetLimit(c.cfg.Workers)

	for i, u := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := c.collectOne(gctx, u, quota, useCache)
			mu.Lock()
			defer mu.Unlock()
			results[i] = &res
			for next < len(results) && results[next] != nil && total < sampleSize {
				total += len(results[next].records)
				next++
			}
			if total >= sampleSize {
				stop()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := 0; i < next; i++ {
		if len(batch.Records) >= sampleSize {
			break
		}
		batch.add(*results[i])
	}
	// The pool only stops early on a full prefix or a cancelled parent.
	return ctx.Err()
}

type urlResult struct {
	stat    URLStat
	records []crawler.Record
}

func (b *Batch) add(res urlResult) {
	b.URLs = append(b.URLs, res.stat)
	b.Records = append(b.Records, res.records...)
}

func (c *Collector) collectOne(ctx context.Context, u string, quota int, useCache bool) urlResult {
	res := urlResult{stat: URLStat{URL: u}}
	logger := c.logger.With(zap.String("url", u))

	var (
		html      string
		ok        bool
		fromCache bool
	)
	if rf, isDetailed := c.deps.Fetcher.(resultFetcher); isDetailed {
		var fetched cached.Result
		fetched, ok = rf.Fetch(ctx, u, useCache)
		html, fromCache = fetched.HTML, fetched.FromCache
	} else {
		html, ok = c.deps.Fetcher.FetchPage(ctx, u, useCache)
	}
	if !ok {
		metrics.ObserveCollectedURL("fetch_failed")
		logger.Info("source yielded no page")
		return res
	}
	res.stat.Fetched = true
	res.stat.FromCache = fromCache

	records, err := c.deps.Parser.Parse(ctx, crawler.Page{URL: u, HTML: html, FromCache: fromCache}, quota)
	if err != nil {
		metrics.ObserveCollectedURL("parse_failed")
		logger.Warn("parse failed", zap.Error(err))
		return res
	}
	records = dropNil(records, logger)
	if len(records) > quota {
		records = records[:quota]
	}
	for _, rec := range records {
		if _, set := rec[SourceURLField]; !set {
			rec[SourceURLField] = u
		}
	}
	res.records = records
	res.stat.Records = len(records)

	if len(records) == 0 {
		metrics.ObserveCollectedURL("empty")
	} else {
		metrics.ObserveCollectedURL("records")
	}
	logger.Debug("parsed source", zap.Int("records", len(records)), zap.Bool("from_cache", fromCache))
	return res
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// dropNil removes nil records without touching the parser's slice.
func dropNil(records []crawler.Record, logger *zap.Logger) []crawler.Record {
	kept := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			kept = append(kept, rec)
		}
	}
	if dropped := len(records) - len(kept); dropped > 0 {
		logger.Warn("parser returned nil records", zap.Int("dropped", dropped))
	}
	return kept
}
