// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/queue"
	"github.com/JakeFAU/gated-doc-capture/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher with n workers sharing runner.
func New(q queue.Queue, runner worker.Runner, n int, logger *zap.Logger) (*Dispatcher, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if n <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", n)
	}
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(i, q, runner, logger)
	}
	return &Dispatcher{queue: q, workers: workers}, nil
}

// Run starts all workers and blocks until every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item capture.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
