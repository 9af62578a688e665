// Package worker implements the fetch loop run by each member of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/crawler"
	"github.com/JakeFAU/webmirror/internal/progress"
)

// Config identifies a worker within a crawl.
type Config struct {
	// ID is the 1-based worker number used in logs and progress events.
	ID      int
	CrawlID uuid.UUID
}

// Worker pulls requests off the frontier, fetches them, and pushes exactly one
// result per request onto the result queue. It stops after consuming exactly
// one stop sentinel.
type Worker struct {
	cfg      Config
	frontier crawler.Frontier
	results  crawler.ResultSink
	fetcher  crawler.Fetcher
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Worker. A nil emitter discards progress events.
func New(
	cfg Config,
	frontier crawler.Frontier,
	results crawler.ResultSink,
	fetcher crawler.Fetcher,
	emitter progress.Emitter,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		frontier: frontier,
		results:  results,
		fetcher:  fetcher,
		emitter:  emitter,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("worker", cfg.ID)),
	}
}

// ID returns the worker number.
func (w *Worker) ID() int {
	return w.cfg.ID
}

// Run blocks until the worker receives its stop sentinel or the frontier is
// closed. Cancelling ctx aborts in-flight fetches but does not end the loop;
// only the sentinel does, so every sentinel pushed is consumed by exactly one
// worker.
func (w *Worker) Run(ctx context.Context) error {
	w.emit(progress.Event{Stage: progress.StageWorkerStart})
	defer w.emit(progress.Event{Stage: progress.StageWorkerStop})

	queueCtx := context.WithoutCancel(ctx)
	for {
		req, err := w.frontier.Dequeue(queueCtx)
		if err != nil {
			return fmt.Errorf("worker %d dequeue: %w", w.cfg.ID, err)
		}
		if req.IsStop() {
			w.logger.Debug("stop signal received")
			return nil
		}
		result := w.process(ctx, req)
		if err := w.results.Enqueue(queueCtx, result); err != nil {
			w.logger.Error("result enqueue failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, req crawler.CrawlRequest) crawler.CrawlResult {
	w.emit(progress.Event{Stage: progress.StageFetchStart, URL: req.URL, Depth: req.Depth})
	started := w.clock.Now()

	result := crawler.CrawlResult{URL: req.URL, Depth: req.Depth}
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: req.URL, Depth: req.Depth})
	elapsed := w.clock.Now().Sub(started)
	if err != nil {
		result.Err = fmt.Errorf("fetch %s: %w", req.URL, err)
		level := zap.DebugLevel
		if !errors.Is(err, context.Canceled) {
			level = zap.InfoLevel
		}
		w.logger.Log(level, "fetch failed", zap.String("url", req.URL), zap.Int("depth", req.Depth), zap.Error(err))
		w.emit(progress.Event{
			Stage: progress.StageFetchFailed,
			URL:   req.URL,
			Depth: req.Depth,
			Dur:   nonNegative(elapsed),
			Note:  err.Error(),
		})
		return result
	}

	result.Body = resp.Body
	if result.Body == nil {
		result.Body = []byte{}
	}
	result.IsHTML = crawler.IsHTML(resp.ContentType())
	if resp.Duration > 0 {
		elapsed = resp.Duration
	}
	w.logger.Debug("fetched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Bool("html", result.IsHTML),
	)
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		URL:         req.URL,
		Depth:       req.Depth,
		Bytes:       int64(len(result.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         nonNegative(elapsed),
	})
	return result
}

func (w *Worker) emit(evt progress.Event) {
	evt.CrawlID = w.cfg.CrawlID
	evt.Worker = w.cfg.ID
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
