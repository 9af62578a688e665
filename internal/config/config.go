// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Report   ReportConfig   `mapstructure:"report"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Output   OutputConfig   `mapstructure:"output"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CrawlerConfig governs the crawl itself.
type CrawlerConfig struct {
	StartURL  string `mapstructure:"start_url"`
	Workers   int    `mapstructure:"workers"`
	MaxDepth  int    `mapstructure:"max_depth"`
	UserAgent string `mapstructure:"user_agent"`
}

// FetcherConfig selects and tunes the fetch backend.
type FetcherConfig struct {
	Kind           string `mapstructure:"kind"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// MaxBodyBytes of 0 reads bodies whole; a larger body fails the fetch.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ExecPath      string `mapstructure:"exec_path"`
}

// StorageConfig picks where fetched bodies are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Directory string `mapstructure:"directory"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// ReportConfig controls persistence of finished outcomes.
type ReportConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
	RunsTable   string `mapstructure:"runs_table"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// MetricsConfig enables the HTTP surface when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// OutputConfig selects the report format.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Flag names on the crawl command and the keys they override.
var flagKeys = map[string]string{
	"url":       "crawler.start_url",
	"workers":   "crawler.workers",
	"depth":     "crawler.max_depth",
	"dir":       "storage.directory",
	"backend":   "storage.backend",
	"fetcher":   "fetcher.kind",
	"format":    "output.format",
	"metrics":   "metrics.addr",
	"log-level": "logging.level",
}

// Load builds a Config from defaults, an optional file, CRAWLER_* environment
// variables and, when flags is non-nil, any flags the user changed.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

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
	v.SetDefault("crawler.start_url", crawler.DefaultStartURL)
	v.SetDefault("crawler.workers", crawler.DefaultWorkers)
	v.SetDefault("crawler.max_depth", crawler.DefaultMaxDepth)
	v.SetDefault("crawler.user_agent", "webmirror/0.1")
	v.SetDefault("fetcher.kind", "colly")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.max_body_bytes", 0)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.directory", crawler.DefaultDirectory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "webmirror")
	v.SetDefault("report.postgres_dsn", "")
	v.SetDefault("report.table", "crawl_outcomes")
	v.SetDefault("report.runs_table", "crawl_runs")
	v.SetDefault("report.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("output.format", "text")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.StartURL) == "" {
		return fmt.Errorf("crawler.start_url is required")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	switch c.Fetcher.Kind {
	case "colly":
	case "headless":
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when fetcher.kind is headless")
		}
	default:
		return fmt.Errorf("fetcher.kind %q is not one of colly, headless", c.Fetcher.Kind)
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Directory == "" {
			return fmt.Errorf("storage.directory is required for the local backend")
		}
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, memory, gcs", c.Storage.Backend)
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	switch c.Output.Format {
	case "text", "json":
	default:
		return fmt.Errorf("output.format %q is not one of text, json", c.Output.Format)
	}
	return nil
}

// FetchTimeout converts the fetcher timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// NavTimeout converts the headless navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// PublishEnabled reports whether completion notifications should be sent.
func (c Config) PublishEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
