// Package worker implements the capture job execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/metrics"
	"github.com/JakeFAU/gated-doc-capture/internal/orchestrator"
	"github.com/JakeFAU/gated-doc-capture/internal/queue"
	"github.com/JakeFAU/gated-doc-capture/internal/telemetry"
)

// Runner executes registered jobs.
type Runner interface {
	Lookup(id string) (*orchestrator.Job, bool)
	Run(ctx context.Context, job *orchestrator.Job) (capture.Result, error)
}

// Worker consumes queue items and runs each job to a terminal phase.
type Worker struct {
	id     int
	queue  queue.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  q,
		runner: runner,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item capture.QueueItem) {
	job, ok := w.runner.Lookup(item.JobID)
	if !ok {
		w.logger.Warn("dequeued job is no longer registered", zap.String("job_id", item.JobID))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.StartJob(ctx, item)
	res, err := w.runner.Run(ctx, job)
	telemetry.EndJob(span, res, err)
	if err != nil {
		w.logger.Info("job ended without artifact",
			zap.String("job_id", item.JobID),
			zap.String("kind", string(capture.KindOf(err))),
		)
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", item.JobID),
		zap.Int("pages", res.PageCount),
		zap.Duration("duration", res.Duration),
	)
}
