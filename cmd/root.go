// Package cmd defines and implements the CLI commands for the market-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/app"
	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/config"
	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/export"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
	"github.com/JakeFAU/market-crawler/internal/logging"
	"github.com/JakeFAU/market-crawler/internal/registry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface that commands use.
// This allows a different app to be injected during tests.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Cache() crawler.CacheStore
	Fetcher() *cached.Fetcher
	Collector() (*collector.Collector, error)
	Registry() *registry.Registry
	Exporter() *export.Exporter
	Serve(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "market-crawler",
		Short: "Fetch, cache and sample product pages, and run plugin crawlers.",
		Long: `market-crawler fetches retail pages politely, with randomized pacing,
rotating identities and retry on throttling. Pages are cached on disk so
repeated runs reuse earlier work. Samples of parsed records can be exported
to local disk or GCS, and user-supplied JavaScript crawlers can be
registered and executed in a sandbox.`,
		SilenceUsage: true,

		// Build the application once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed CRAWLER_ override it")

	cmd.AddCommand(
		newServeCmd(),
		newFetchCmd(),
		newCollectCmd(),
		newCacheCmd(),
		newCrawlerCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, newPrinter().Error("error: %v", err))
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
