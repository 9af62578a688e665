// Package orchestrator drives a single depth-bounded crawl: it seeds the
// frontier, owns the seen set and outstanding-work accounting, persists
// fetched bodies, expands links, and shuts the worker pool down.
//
// All crawl bookkeeping is mutated on the goroutine that calls Run. Workers
// only ever touch the two queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/clock/system"
	"github.com/JakeFAU/webmirror/internal/crawler"
	"github.com/JakeFAU/webmirror/internal/dispatcher"
	idgen "github.com/JakeFAU/webmirror/internal/id/uuid"
	"github.com/JakeFAU/webmirror/internal/progress"
	"github.com/JakeFAU/webmirror/internal/queue/memory"
	"github.com/JakeFAU/webmirror/internal/worker"
)

// Config bounds one crawl.
type Config struct {
	// Workers is the pool size; it must be positive.
	Workers int
	// MaxDepth is the deepest link distance whose pages are expanded into
	// children. The start URL sits at depth 0.
	MaxDepth int
}

// Validate checks Config bounds.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return crawler.ErrNoWorkers
	}
	if c.MaxDepth < 0 {
		return errors.New("max depth must be >= 0")
	}
	return nil
}

// Orchestrator runs crawls. It holds no per-crawl state, so one value may run
// several crawls one after another.
type Orchestrator struct {
	cfg       Config
	fetcher   crawler.Fetcher
	extractor crawler.LinkExtractor
	store     crawler.EntryStore
	emitter   progress.Emitter
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter routes progress events to emitter.
func WithEmitter(emitter progress.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides how crawl IDs are minted. IDs must parse as UUIDs.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New wires an Orchestrator.
func New(
	cfg Config,
	fetcher crawler.Fetcher,
	extractor crawler.LinkExtractor,
	store crawler.EntryStore,
	opts ...Option,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || extractor == nil || store == nil {
		return nil, errors.New("fetcher, extractor and store are required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		emitter:   progress.Nop{},
		clock:     system.New(),
		ids:       idgen.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run crawls from startURL and blocks until every reachable URL within
// MaxDepth has resolved, or ctx is cancelled.
//
// Cancellation is not an error: the partial outcome is returned with
// Interrupted set. Storage failures abort the crawl and are returned together
// with the partial outcome. In every case the worker pool has been stopped and
// joined before Run returns.
func (o *Orchestrator) Run(ctx context.Context, startURL string) (crawler.Outcome, error) {
	startURL = strings.TrimSpace(startURL)
	if startURL == "" {
		return crawler.Outcome{}, errors.New("start url is required")
	}
	rawID, err := o.ids.NewID()
	if err != nil {
		return crawler.Outcome{}, fmt.Errorf("create crawl id: %w", err)
	}
	crawlID, err := uuid.Parse(rawID)
	if err != nil {
		return crawler.Outcome{}, fmt.Errorf("parse crawl id %q: %w", rawID, err)
	}

	c := &crawl{
		Orchestrator: o,
		id:           crawlID,
		startURL:     startURL,
		outcome:      crawler.NewOutcome(rawID),
		seen:         make(map[string]struct{}),
		logger:       o.logger.Named("orchestrator").With(zap.String("crawl_id", rawID)),
	}
	c.outcome.Started = o.clock.Now()
	c.emit(progress.Event{
		Stage: progress.StageCrawlStart,
		URL:   startURL,
		Note:  fmt.Sprintf("workers=%d max_depth=%d", o.cfg.Workers, o.cfg.MaxDepth),
	})
	c.logger.Info("crawl started",
		zap.String("url", startURL),
		zap.Int("workers", o.cfg.Workers),
		zap.Int("max_depth", o.cfg.MaxDepth),
	)

	if err := o.store.Reset(ctx); err != nil {
		return c.fail(fmt.Errorf("reset storage: %w", err))
	}

	frontier := memory.NewQueue[crawler.CrawlRequest]()
	results := memory.NewQueue[crawler.CrawlResult]()
	defer frontier.Close()
	defer results.Close()

	runners := make([]dispatcher.Runner, o.cfg.Workers)
	for i := range runners {
		runners[i] = worker.New(
			worker.Config{ID: i + 1, CrawlID: crawlID},
			frontier,
			results,
			o.fetcher,
			o.emitter,
			o.clock,
			o.logger,
		)
	}
	pool := dispatcher.New(frontier, runners, o.logger)
	if err := pool.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("start worker pool: %w", err))
	}

	c.frontier = frontier
	c.results = results
	runErr := c.drain(ctx)
	if runErr != nil || c.outcome.Interrupted {
		if discarded := len(frontier.Drain()); discarded > 0 {
			c.logger.Debug("discarded pending requests", zap.Int("requests", discarded))
		}
	}

	stopErr := pool.StopAndJoin(ctx)
	if discarded := len(results.Drain()); discarded > 0 {
		c.logger.Debug("discarded unprocessed results", zap.Int("results", discarded))
	}
	if stopErr != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop worker pool: %w", stopErr))
	}
	if runErr != nil {
		return c.fail(runErr)
	}
	return c.finish(), nil
}

// crawl is the bookkeeping for one Run call.
type crawl struct {
	*Orchestrator

	id          uuid.UUID
	startURL    string
	outcome     crawler.Outcome
	seen        map[string]struct{}
	outstanding int
	frontier    *memory.Queue[crawler.CrawlRequest]
	results     *memory.Queue[crawler.CrawlResult]
	logger      *zap.Logger
}

// drain consumes results until no request is outstanding. Cancellation is
// recorded in outcome.Interrupted and reported as a nil error.
func (c *crawl) drain(ctx context.Context) error {
	if err := c.submit(c.startURL, 0); err != nil {
		return err
	}
	for c.outstanding > 0 {
		if ctx.Err() != nil {
			c.interrupt()
			return nil
		}
		result, err := c.results.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.interrupt()
				return nil
			}
			return fmt.Errorf("receive result: %w", err)
		}
		c.outstanding--
		if err := c.handle(ctx, result); err != nil {
			if ctx.Err() != nil {
				c.interrupt()
				return nil
			}
			return err
		}
	}
	return nil
}

// submit records url in the seen set and queues it. The frontier is unbounded
// so the enqueue never waits on workers.
func (c *crawl) submit(url string, depth int) error {
	c.seen[url] = struct{}{}
	if err := c.frontier.Enqueue(context.Background(), crawler.NewRequest(url, depth)); err != nil {
		return fmt.Errorf("enqueue %s: %w", url, err)
	}
	c.outstanding++
	return nil
}

func (c *crawl) handle(ctx context.Context, result crawler.CrawlResult) error {
	c.emit(progress.Event{
		Stage: progress.StageResultReceived,
		URL:   result.URL,
		Depth: result.Depth,
		Bytes: int64(len(result.Body)),
	})
	if result.Failed() {
		c.outcome.Errors[result.URL] = crawler.CouldNotAccess
		c.logger.Debug("could not access", zap.String("url", result.URL), zap.Error(result.Err))
		return nil
	}

	location, err := c.persist(ctx, result.Body)
	if err != nil {
		return fmt.Errorf("store %s: %w", result.URL, err)
	}
	c.outcome.Files[result.URL] = location

	if result.Depth >= c.cfg.MaxDepth || !result.IsHTML {
		return nil
	}
	return c.expand(result)
}

func (c *crawl) persist(ctx context.Context, body []byte) (string, error) {
	w, location, err := c.store.CreateEntry(ctx)
	if err != nil {
		return "", fmt.Errorf("create entry: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write entry %s: %w", location, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close entry %s: %w", location, err)
	}
	return location, nil
}

// expand queues the unseen links of an HTML page one hop deeper. A document
// the extractor rejects contributes no links.
func (c *crawl) expand(result crawler.CrawlResult) error {
	links, err := c.extractor.ExtractLinks(result.URL, result.Body)
	if err != nil {
		c.logger.Warn("link extraction failed", zap.String("url", result.URL), zap.Error(err))
		return nil
	}
	added := 0
	for _, link := range links {
		if link == "" {
			continue
		}
		if _, ok := c.seen[link]; ok {
			continue
		}
		if err := c.submit(link, result.Depth+1); err != nil {
			return err
		}
		added++
	}
	c.logger.Debug("expanded page",
		zap.String("url", result.URL),
		zap.Int("depth", result.Depth),
		zap.Int("links", len(links)),
		zap.Int("queued", added),
	)
	return nil
}

func (c *crawl) interrupt() {
	c.outcome.Interrupted = true
}

func (c *crawl) finish() crawler.Outcome {
	c.outcome.Seen = len(c.seen)
	c.outcome.Finished = c.clock.Now()
	stage := progress.StageCrawlDone
	msg := "crawl finished"
	if c.outcome.Interrupted {
		stage = progress.StageCrawlInterrupted
		msg = "crawl interrupted"
	}
	c.emit(progress.Event{
		Stage: stage,
		URL:   c.startURL,
		Dur:   c.elapsed(),
		Note:  fmt.Sprintf("files=%d errors=%d seen=%d", len(c.outcome.Files), len(c.outcome.Errors), c.outcome.Seen),
	})
	c.logger.Info(msg,
		zap.Int("files", len(c.outcome.Files)),
		zap.Int("errors", len(c.outcome.Errors)),
		zap.Int("seen", c.outcome.Seen),
		zap.Duration("elapsed", c.elapsed()),
	)
	return c.outcome
}

func (c *crawl) fail(err error) (crawler.Outcome, error) {
	c.outcome.Seen = len(c.seen)
	c.outcome.Finished = c.clock.Now()
	c.emit(progress.Event{
		Stage: progress.StageCrawlError,
		URL:   c.startURL,
		Dur:   c.elapsed(),
		Note:  err.Error(),
	})
	c.logger.Error("crawl failed", zap.Error(err))
	return c.outcome, err
}

func (c *crawl) elapsed() time.Duration {
	d := c.outcome.Finished.Sub(c.outcome.Started)
	if d < 0 {
		return 0
	}
	return d
}

func (c *crawl) emit(evt progress.Event) {
	evt.CrawlID = c.id
	evt.TS = c.clock.Now()
	c.emitter.Emit(evt)
}
