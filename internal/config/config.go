// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Collector CollectorConfig `mapstructure:"collector"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Export    ExportConfig    `mapstructure:"export"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig selects and sizes the page cache.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// FetchConfig governs pacing, identity rotation and retry of page fetches.
type FetchConfig struct {
	Client                string          `mapstructure:"client"`
	TimeoutSeconds        int             `mapstructure:"timeout_seconds"`
	MaxRetries            int             `mapstructure:"max_retries"`
	DelayMinSeconds       float64         `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds       float64         `mapstructure:"delay_max_seconds"`
	RetryDelayMinSeconds  float64         `mapstructure:"retry_delay_min_seconds"`
	RetryDelayMaxSeconds  float64         `mapstructure:"retry_delay_max_seconds"`
	UserAgents            []string        `mapstructure:"user_agents"`
	RespectRobots         bool            `mapstructure:"respect_robots"`
	MaxBodyBytes          int             `mapstructure:"max_body_bytes"`
	BlockedDomains        []string        `mapstructure:"blocked_domains"`
	MinHostIntervalMillis int             `mapstructure:"min_host_interval_ms"`
	Challenge             ChallengeConfig `mapstructure:"challenge"`
}

// ChallengeConfig describes how captcha and bot-wall pages are recognized.
type ChallengeConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Keywords  []string `mapstructure:"keywords"`
	Selectors []string `mapstructure:"selectors"`
}

// HeadlessConfig configures the chromedp fetch client.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// CollectorConfig tunes sample collection.
type CollectorConfig struct {
	Workers           int `mapstructure:"workers"`
	DefaultSampleSize int `mapstructure:"default_sample_size"`
}

// ParserConfig configures the CSS selector parser.
type ParserConfig struct {
	ItemSelector string            `mapstructure:"item_selector"`
	Fields       map[string]string `mapstructure:"fields"`
}

// RegistryConfig locates and bounds user-supplied crawler plugins.
type RegistryConfig struct {
	Root               string `mapstructure:"root"`
	ExecTimeoutSeconds int    `mapstructure:"exec_timeout_seconds"`
	AllowFetch         bool   `mapstructure:"allow_fetch"`
}

// ExportConfig selects where collected samples are written.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Format  string `mapstructure:"format"`
}

// PubSubConfig holds metadata for export notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory, when present, seeds the environment first.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("fetch.client", "colly")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.delay_min_seconds", 2)
	v.SetDefault("fetch.delay_max_seconds", 5)
	v.SetDefault("fetch.retry_delay_min_seconds", 3)
	v.SetDefault("fetch.retry_delay_max_seconds", 6)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.min_host_interval_ms", 0)
	v.SetDefault("fetch.challenge.enabled", true)
	v.SetDefault("fetch.challenge.keywords", []string{"robot check", "verify you are human", "are you a robot"})
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("collector.workers", 1)
	v.SetDefault("collector.default_sample_size", 100)
	v.SetDefault("registry.root", "data/custom_crawlers")
	v.SetDefault("registry.exec_timeout_seconds", 60)
	v.SetDefault("registry.allow_fetch", false)
	v.SetDefault("export.backend", "local")
	v.SetDefault("export.base_dir", "data/exports")
	v.SetDefault("export.prefix", "samples")
	v.SetDefault("export.format", "csv")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Cache.Backend {
	case "file", "leveldb", "sqlite":
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return fmt.Errorf("cache.dir is required for the %s backend", c.Cache.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.TTLHours < 0 {
		return fmt.Errorf("cache.ttl_hours must be >= 0")
	}
	switch c.Fetch.Client {
	case "colly":
	case "headless":
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when fetch.client is headless")
		}
	default:
		return fmt.Errorf("unknown fetch.client %q", c.Fetch.Client)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.DelayMinSeconds < 0 || c.Fetch.DelayMaxSeconds < c.Fetch.DelayMinSeconds {
		return fmt.Errorf("fetch delay window must satisfy 0 <= min <= max")
	}
	if c.Fetch.RetryDelayMinSeconds < 0 || c.Fetch.RetryDelayMaxSeconds < c.Fetch.RetryDelayMinSeconds {
		return fmt.Errorf("fetch retry delay window must satisfy 0 <= min <= max")
	}
	if c.Fetch.MinHostIntervalMillis < 0 {
		return fmt.Errorf("fetch.min_host_interval_ms must be >= 0")
	}
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be > 0")
	}
	if strings.TrimSpace(c.Registry.Root) == "" {
		return fmt.Errorf("registry.root is required")
	}
	if c.Registry.ExecTimeoutSeconds <= 0 {
		return fmt.Errorf("registry.exec_timeout_seconds must be > 0")
	}
	switch c.Export.Backend {
	case "local":
		if strings.TrimSpace(c.Export.BaseDir) == "" {
			return fmt.Errorf("export.base_dir is required for the local backend")
		}
	case "gcs":
		if strings.TrimSpace(c.Export.Bucket) == "" {
			return fmt.Errorf("export.bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown export.backend %q", c.Export.Backend)
	}
	switch c.Export.Format {
	case "csv", "json":
	default:
		return fmt.Errorf("export.format must be csv or json")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// TTL returns the cache validity window.
func (c Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// Timeout returns the per-request network timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// DelayWindow returns the pacing window for first attempts.
func (c Config) DelayWindow() crawler.DelayWindow {
	return crawler.DelayWindow{Min: seconds(c.Fetch.DelayMinSeconds), Max: seconds(c.Fetch.DelayMaxSeconds)}
}

// RetryDelayWindow returns the longer pacing window used for retries.
func (c Config) RetryDelayWindow() crawler.DelayWindow {
	return crawler.DelayWindow{Min: seconds(c.Fetch.RetryDelayMinSeconds), Max: seconds(c.Fetch.RetryDelayMaxSeconds)}
}

// MinHostInterval returns the minimum spacing between requests to one host.
func (c Config) MinHostInterval() time.Duration {
	return time.Duration(c.Fetch.MinHostIntervalMillis) * time.Millisecond
}

// ExecTimeout bounds a single plugin execution.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Registry.ExecTimeoutSeconds) * time.Second
}

// NavTimeout bounds a headless navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
