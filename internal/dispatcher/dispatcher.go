// Package dispatcher manages the fixed pool of fetch workers for one crawl.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("dispatcher already started")

// Runner is a single pool member. worker.Worker satisfies it.
type Runner interface {
	ID() int
	Run(ctx context.Context) error
}

// Dispatcher fans frontier work out to a pool of workers and joins them on
// shutdown. Stopping is cooperative: one stop sentinel is pushed per worker.
type Dispatcher struct {
	frontier crawler.Frontier
	workers  []Runner
	logger   *zap.Logger

	wg       sync.WaitGroup
	running  atomic.Int32
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New creates a Dispatcher for the given workers.
func New(frontier crawler.Frontier, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		frontier: frontier,
		workers:  append([]Runner(nil), workers...),
		logger:   logger.Named("dispatcher"),
	}
}

// Start launches every worker on its own goroutine and returns immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	if len(d.workers) == 0 {
		return crawler.ErrNoWorkers
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, w := range d.workers {
		d.wg.Add(1)
		d.running.Add(1)
		go func(wk Runner) {
			defer d.wg.Done()
			defer d.running.Add(-1)
			if err := wk.Run(ctx); err != nil {
				d.logger.Error("worker exited with error", zap.Int("worker", wk.ID()), zap.Error(err))
			}
		}(w)
	}
	d.logger.Debug("workers started", zap.Int("workers", len(d.workers)))
	return nil
}

// StopAndJoin pushes one stop sentinel per worker and blocks until every
// worker has exited. It is a no-op before Start and after the first call.
// The sentinels are enqueued even when ctx is already cancelled.
func (d *Dispatcher) StopAndJoin(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	d.stopOnce.Do(func() {
		stopCtx := context.WithoutCancel(ctx)
		for range d.workers {
			if err := d.frontier.Enqueue(stopCtx, crawler.StopSignal()); err != nil {
				d.stopErr = fmt.Errorf("enqueue stop signal: %w", err)
				break
			}
		}
		d.wg.Wait()
		d.logger.Debug("workers joined", zap.Int("workers", len(d.workers)))
	})
	return d.stopErr
}

// Running reports how many workers have not yet exited.
func (d *Dispatcher) Running() int {
	return int(d.running.Load())
}

// Size reports the configured pool size.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
