// Package dispatcher manages worker fan-out over the run queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

// Runner is one queue consumer. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queued runs to a pool of workers and supervises them.
type Dispatcher struct {
	queue   pipeline.Queue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue pipeline.Queue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts every worker and blocks until all of them have returned, which
// happens when ctx ends or the queue is closed and drained. A worker that
// panics is logged and restarted while ctx is still live.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.supervise(ctx, i, w)
		}()
	}
	wg.Wait()
	d.logger.Info("all workers stopped", zap.Int("workers", len(d.workers)))
}

func (d *Dispatcher) supervise(ctx context.Context, index int, w Runner) {
	log := d.logger.With(zap.Int("worker", index))
	log.Debug("worker started")
	restarts := 0
	for {
		panicked := d.runOnce(ctx, w, log)
		if !panicked || ctx.Err() != nil {
			log.Debug("worker exited", zap.Int("restarts", restarts), zap.Bool("canceled", ctx.Err() != nil))
			return
		}
		restarts++
		log.Warn("restarting worker after panic", zap.Int("restarts", restarts))
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, w Runner, log *zap.Logger) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.Error("worker panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	w.Run(ctx)
	return false
}

// Enqueue hands a run to the pool.
func (d *Dispatcher) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	if item.RunID == "" {
		return errors.New("queue enqueue: run id is required")
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("run queued", zap.String("run_id", item.RunID), zap.String("account", item.Params.Account))
	return nil
}
