// Package app builds and owns the long-lived services shared by the CLI and
// the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/api"
	"github.com/JakeFAU/market-crawler/internal/cache"
	filecache "github.com/JakeFAU/market-crawler/internal/cache/file"
	leveldbcache "github.com/JakeFAU/market-crawler/internal/cache/leveldb"
	memorycache "github.com/JakeFAU/market-crawler/internal/cache/memory"
	sqlitecache "github.com/JakeFAU/market-crawler/internal/cache/sqlite"
	"github.com/JakeFAU/market-crawler/internal/clock/system"
	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/config"
	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/detector"
	"github.com/JakeFAU/market-crawler/internal/export"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
	collyfetcher "github.com/JakeFAU/market-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/market-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/market-crawler/internal/id/uuid"
	"github.com/JakeFAU/market-crawler/internal/identity"
	"github.com/JakeFAU/market-crawler/internal/metrics"
	"github.com/JakeFAU/market-crawler/internal/parser/selector"
	"github.com/JakeFAU/market-crawler/internal/policy/blocklist"
	"github.com/JakeFAU/market-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/market-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/market-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/market-crawler/internal/registry"
	gcsstorage "github.com/JakeFAU/market-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/market-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/market-crawler/internal/storage/memory"
)

// ErrNoParser is returned by services that need parser.item_selector.
var ErrNoParser = errors.New("parser.item_selector is not configured")

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	cache      crawler.CacheStore
	client     crawler.FetchClient
	identities *identity.Pool
	fetcher    *cached.Fetcher
	collector  *collector.Collector
	registry   *registry.Registry
	exporter   *export.Exporter

	headless        *headlessfetcher.Fetcher
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
}

// Build creates the application's dependencies from cfg. Everything built
// before a failure is released again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	a.logger.Info("building application dependencies")

	if err := a.setupCache(); err != nil {
		return err
	}
	if err := a.setupClient(); err != nil {
		return err
	}
	if err := a.setupFetcher(); err != nil {
		return err
	}
	if err := a.setupCollector(); err != nil {
		return err
	}
	if err := a.setupRegistry(); err != nil {
		return err
	}
	return a.setupExporter(ctx)
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Cache returns the page cache.
func (a *App) Cache() crawler.CacheStore { return a.cache }

// Fetcher returns the cached fetcher.
func (a *App) Fetcher() *cached.Fetcher { return a.fetcher }

// Registry returns the crawler registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Exporter returns the sample exporter.
func (a *App) Exporter() *export.Exporter { return a.exporter }

// Collector returns the sample collector, or ErrNoParser.
func (a *App) Collector() (*collector.Collector, error) {
	if a.collector == nil {
		return nil, ErrNoParser
	}
	return a.collector, nil
}

func (a *App) cacheOptions() cache.Options {
	return cache.Options{TTL: a.cfg.TTL(), Clock: a.clock, Logger: a.logger}
}

func (a *App) setupCache() error {
	var err error
	dir := a.cfg.Cache.Dir
	switch a.cfg.Cache.Backend {
	case "file":
		a.cache, err = filecache.New(dir, a.cacheOptions())
	case "leveldb":
		a.cache, err = leveldbcache.New(filepath.Join(dir, "pages.ldb"), a.cacheOptions())
	case "sqlite":
		if err = os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
		a.cache, err = sqlitecache.New(filepath.Join(dir, "pages.db"), a.cacheOptions())
	case "memory":
		a.cache = memorycache.New(a.cacheOptions())
	default:
		return fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}
	a.logger.Info("page cache ready",
		zap.String("backend", a.cfg.Cache.Backend),
		zap.String("dir", dir),
		zap.Duration("ttl", a.cfg.TTL()),
	)
	return nil
}

func (a *App) setupClient() error {
	pacer := crawler.NewPacer(a.clock)
	a.identities = identity.NewPool(a.cfg.Fetch.UserAgents)
	switch a.cfg.Fetch.Client {
	case "headless":
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			NavigationTimeout: a.cfg.NavTimeout(),
		}, pacer)
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = h
		a.client = h
		a.logger.Info("using headless fetch client", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	default:
		a.client = collyfetcher.New(collyfetcher.Config{
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.Timeout(),
			MaxBodyBytes:  a.cfg.Fetch.MaxBodyBytes,
		}, pacer)
		a.logger.Info("using colly fetch client",
			zap.Bool("respect_robots", a.cfg.Fetch.RespectRobots),
			zap.Duration("timeout", a.cfg.Timeout()),
		)
	}
	return nil
}

func (a *App) setupFetcher() error {
	deps := cached.Deps{
		Client:     a.client,
		Cache:      a.cache,
		Identities: a.identities,
		Blocklist:  blocklist.New(a.cfg.Fetch.BlockedDomains),
		Logger:     a.logger,
	}
	if interval := a.cfg.MinHostInterval(); interval > 0 {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			MinInterval: interval,
			Observer:    metrics.ObserveRateLimitDelay,
		})
		a.logger.Info("per-host spacing enabled", zap.Duration("min_interval", interval))
	}
	if a.cfg.Fetch.Challenge.Enabled {
		deps.Detector = detector.NewChallenge(a.cfg.Fetch.Challenge.Keywords, a.cfg.Fetch.Challenge.Selectors)
	}

	var err error
	a.fetcher, err = cached.New(cached.Config{
		MaxRetries: a.cfg.Fetch.MaxRetries,
		Delay:      a.cfg.DelayWindow(),
		RetryDelay: a.cfg.RetryDelayWindow(),
	}, deps)
	if err != nil {
		return fmt.Errorf("cached fetcher init failed: %w", err)
	}
	a.logger.Info("fetch policy",
		zap.Int("max_retries", a.cfg.Fetch.MaxRetries),
		zap.Duration("delay_min", a.cfg.DelayWindow().Min),
		zap.Duration("delay_max", a.cfg.DelayWindow().Max),
		zap.Int("identities", a.identities.Size()),
	)
	return nil
}

func (a *App) setupCollector() error {
	if a.cfg.Parser.ItemSelector == "" {
		a.logger.Warn("no parser.item_selector configured; sample collection is unavailable")
		return nil
	}
	parser, err := selector.New(a.cfg.Parser.ItemSelector, a.cfg.Parser.Fields)
	if err != nil {
		return fmt.Errorf("parser init failed: %w", err)
	}
	a.collector, err = collector.New(collector.Config{Workers: a.cfg.Collector.Workers}, collector.Deps{
		Fetcher: a.fetcher,
		Parser:  parser,
		IDs:     uuid.New(),
		Clock:   a.clock,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("collector init failed: %w", err)
	}
	return nil
}

func (a *App) setupRegistry() error {
	var err error
	a.registry, err = registry.New(registry.Config{
		Root:        a.cfg.Registry.Root,
		ExecTimeout: a.cfg.ExecTimeout(),
		AllowFetch:  a.cfg.Registry.AllowFetch,
		FetchDelay:  a.cfg.DelayWindow(),
	}, registry.Deps{
		Client:     a.client,
		Identities: a.identities,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}
	return nil
}

func (a *App) setupExporter(ctx context.Context) error {
	var (
		blobs crawler.BlobStore
		err   error
	)
	switch a.cfg.Export.Backend {
	case "gcs":
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:   a.cfg.Export.Bucket,
			Metadata: map[string]string{"producer": "market-crawler"},
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS export backend", zap.String("bucket", a.cfg.Export.Bucket))
	case "local":
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local export backend", zap.String("path", a.cfg.Export.BaseDir))
	default:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory export backend")
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	a.exporter, err = export.New(export.Config{
		Prefix: a.cfg.Export.Prefix,
		Topic:  a.cfg.PubSub.TopicName,
	}, blobs, publisher, a.logger)
	if err != nil {
		return fmt.Errorf("exporter init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// Handler builds the HTTP API over the app's services.
func (a *App) Handler() http.Handler {
	deps := api.Deps{
		Config:   a.cfg,
		Fetcher:  a.fetcher,
		Cache:    a.cache,
		Registry: a.registry,
		Exporter: a.exporter,
		Logger:   a.logger.Named("api"),
	}
	// A nil *Collector in the interface would pass the route's nil check.
	if a.collector != nil {
		deps.Collector = a.collector
	}
	return api.NewServer(deps).Handler()
}

// Serve runs the HTTP server until ctx is canceled, then drains it.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every held resource.
func (a *App) Close() {
	a.closeInfrastructure()
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
}
