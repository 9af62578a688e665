// Package app builds the long-lived services a crawl needs from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	gcsstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/api"
	"github.com/JakeFAU/webmirror/internal/config"
	"github.com/JakeFAU/webmirror/internal/crawler"
	goqueryextractor "github.com/JakeFAU/webmirror/internal/extractor/goquery"
	collyfetcher "github.com/JakeFAU/webmirror/internal/fetcher/colly"
	"github.com/JakeFAU/webmirror/internal/fetcher/headless"
	"github.com/JakeFAU/webmirror/internal/metrics"
	"github.com/JakeFAU/webmirror/internal/orchestrator"
	"github.com/JakeFAU/webmirror/internal/progress"
	"github.com/JakeFAU/webmirror/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/webmirror/internal/publisher/pubsub"
	"github.com/JakeFAU/webmirror/internal/report"
	gcsstore "github.com/JakeFAU/webmirror/internal/storage/gcs"
	"github.com/JakeFAU/webmirror/internal/storage/local"
	memstore "github.com/JakeFAU/webmirror/internal/storage/memory"
	"github.com/JakeFAU/webmirror/internal/storage/postgres"
)

// Topics used for completion notifications.
const (
	TopicCrawlFinished    = "crawl.finished"
	TopicCrawlInterrupted = "crawl.interrupted"
	TopicCrawlFailed      = "crawl.failed"
)

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orchestrator *orchestrator.Orchestrator
	store        crawler.EntryStore
	hub          *progress.Hub
	snapshots    *sinks.SnapshotSink
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	recorder     crawler.OutcomeRecorder
	publisher    crawler.Publisher

	closers []closer
	ready   atomic.Bool
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option replaces a service that New would otherwise build from config.
type Option func(*overrides)

type overrides struct {
	fetcher   crawler.Fetcher
	store     crawler.EntryStore
	recorder  crawler.OutcomeRecorder
	publisher crawler.Publisher
	clock     crawler.Clock
	ids       crawler.IDGenerator
}

// WithFetcher injects a Fetcher instead of building one.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *overrides) { o.fetcher = f }
}

// WithStore injects the entry store.
func WithStore(s crawler.EntryStore) Option {
	return func(o *overrides) { o.store = s }
}

// WithRecorder injects an outcome recorder; it takes precedence over
// report.postgres_dsn.
func WithRecorder(r crawler.OutcomeRecorder) Option {
	return func(o *overrides) { o.recorder = r }
}

// WithPublisher injects a completion publisher; it takes precedence over the
// pubsub settings.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *overrides) { o.publisher = p }
}

// WithClock overrides the crawl clock.
func WithClock(c crawler.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithIDGenerator overrides crawl ID generation.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *overrides) { o.ids = g }
}

// New validates cfg and initializes every service it enables. On failure the
// services already built are closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()

	a.httpMetrics, err = metrics.NewHTTPMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	a.store = ov.store
	if a.store == nil {
		if a.store, err = a.buildStore(ctx); err != nil {
			return nil, err
		}
	}

	fetcher := ov.fetcher
	if fetcher == nil {
		if fetcher, err = a.buildFetcher(); err != nil {
			return nil, err
		}
	}

	var emitter progress.Emitter = progress.Nop{}
	if cfg.Progress.Enabled {
		if err := a.buildHub(); err != nil {
			return nil, err
		}
		emitter = a.hub
	}

	a.recorder = ov.recorder
	if a.recorder == nil && cfg.Report.PostgresDSN != "" {
		if err := a.buildRecorder(ctx); err != nil {
			return nil, err
		}
	}

	a.publisher = ov.publisher
	if a.publisher == nil && cfg.PublishEnabled() {
		if err := a.buildPublisher(ctx); err != nil {
			return nil, err
		}
	}

	a.orchestrator, err = orchestrator.New(
		orchestrator.Config{Workers: cfg.Crawler.Workers, MaxDepth: cfg.Crawler.MaxDepth},
		fetcher,
		goqueryextractor.New(),
		a.store,
		orchestrator.WithEmitter(emitter),
		orchestrator.WithClock(ov.clock),
		orchestrator.WithIDGenerator(ov.ids),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	a.ready.Store(true)
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("fetcher", cfg.Fetcher.Kind),
		zap.Bool("progress", cfg.Progress.Enabled),
		zap.Bool("recorder", a.recorder != nil),
		zap.Bool("publisher", a.publisher != nil),
	)
	return a, nil
}

func (a *App) buildStore(ctx context.Context) (crawler.EntryStore, error) {
	switch a.cfg.Storage.Backend {
	case "local":
		store, err := local.New(local.Config{Directory: a.cfg.Storage.Directory})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case "memory":
		return memstore.New(a.cfg.Storage.Directory), nil
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.addCloser("gcs client", func(context.Context) error { return client.Close() })
		store, err := gcsstore.New(client, gcsstore.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.logger.Info("using gcs storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) buildFetcher() (crawler.Fetcher, error) {
	switch a.cfg.Fetcher.Kind {
	case "colly":
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:   a.cfg.Crawler.UserAgent,
			Timeout:     a.cfg.FetchTimeout(),
			MaxBodySize: a.cfg.Fetcher.MaxBodyBytes,
		}), nil
	case "headless":
		f, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			ExecPath:          a.cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.addCloser("headless fetcher", func(context.Context) error { return f.Close() })
		return f, nil
	default:
		return nil, fmt.Errorf("unknown fetcher kind: %s", a.cfg.Fetcher.Kind)
	}
}

func (a *App) buildHub() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	a.snapshots = sinks.NewSnapshotSink()
	a.hub = progress.NewHub(progress.Config{
		BufferSize: a.cfg.Progress.BufferSize,
		Logger:     a.logger,
	}, sinks.NewLogSink(a.logger), promSink, a.snapshots)
	a.addCloser("progress hub", a.hub.Close)
	return nil
}

func (a *App) buildRecorder(ctx context.Context) error {
	store, err := postgres.NewOutcomeStore(ctx, postgres.Config{
		DSN:           a.cfg.Report.PostgresDSN,
		RunsTable:     a.cfg.Report.RunsTable,
		OutcomesTable: a.cfg.Report.Table,
		MaxConns:      int32(a.cfg.Report.MaxConns), //nolint:gosec // validated small value
	})
	if err != nil {
		return fmt.Errorf("init outcome store: %w", err)
	}
	a.addCloser("outcome store", func(context.Context) error {
		store.Close()
		return nil
	})
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure outcome schema: %w", err)
	}
	a.recorder = store
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.addCloser("pubsub client", func(context.Context) error { return client.Close() })
	pub := pubsubpublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.addCloser("pubsub topic", func(context.Context) error {
		pub.Stop()
		return nil
	})
	a.logger.Info("publishing crawl summaries", zap.String("topic", a.cfg.PubSub.TopicName))
	a.publisher = pub
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run crawls startURL, then records and announces the outcome. Recording
// failures are returned; publish failures are only logged.
func (a *App) Run(ctx context.Context, startURL string) (crawler.Outcome, error) {
	outcome, runErr := a.orchestrator.Run(ctx, startURL)
	if outcome.CrawlID == "" {
		return outcome, runErr
	}

	finishCtx := context.WithoutCancel(ctx)
	var recordErr error
	if runErr == nil && a.recorder != nil {
		if err := a.recorder.RecordOutcome(finishCtx, outcome); err != nil {
			recordErr = fmt.Errorf("record outcome: %w", err)
		}
	}
	if a.publisher != nil {
		topic := TopicCrawlFinished
		switch {
		case runErr != nil:
			topic = TopicCrawlFailed
		case outcome.Interrupted:
			topic = TopicCrawlInterrupted
		}
		id, err := a.publisher.Publish(finishCtx, topic, report.Summarize(outcome))
		if err != nil {
			a.logger.Warn("publish crawl summary failed", zap.String("crawl_id", outcome.CrawlID), zap.Error(err))
		} else {
			a.logger.Debug("published crawl summary", zap.String("topic", topic), zap.String("message_id", id))
		}
	}
	return outcome, errors.Join(runErr, recordErr)
}

// Handler returns the operator HTTP surface.
func (a *App) Handler() http.Handler {
	opts := api.Options{
		Logger:      a.logger,
		Registry:    a.registry,
		HTTPMetrics: a.httpMetrics,
		Ready:       a.ready.Load,
	}
	if a.snapshots != nil {
		opts.Snapshots = a.snapshots
	}
	return api.NewServer(opts).Handler()
}

// Store returns the entry store crawls write to.
func (a *App) Store() crawler.EntryStore {
	return a.store
}

// Snapshots returns the in-memory progress view, or nil when progress is
// disabled.
func (a *App) Snapshots() *sinks.SnapshotSink {
	return a.snapshots
}

// Registry returns the Prometheus registry shared by every component.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Close shuts services down in reverse order of creation. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	a.ready.Store(false)
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
