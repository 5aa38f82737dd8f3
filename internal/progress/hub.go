package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Clock: stamps events reported through Notify (defaults to UTC wall time).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Clock          capture.Clock
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates phase events and fans them out to registered sinks. It is
// safe for concurrent use by multiple goroutines and never blocks callers, so
// it satisfies capture.Notifier.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter *rate.Limiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("progress"),
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Notify reports that jobID entered phase. Details are copied.
func (h *Hub) Notify(jobID string, phase capture.Phase, details map[string]string) {
	if h == nil {
		return
	}
	h.Emit(Event{
		JobID:   jobID,
		Phase:   phase,
		TS:      h.cfg.Clock.Now().UTC(),
		Details: cloneDetails(details),
	})
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid phase event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow() {
			count := h.dropped.Swap(0)
			h.logger.Warn("phase events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	pending := newBatch(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer pending.disarm()
	for {
		select {
		case evt := <-h.events:
			if pending.add(evt) {
				h.flush(pending.take())
			}
		case <-pending.expired():
			h.flush(pending.take())
		case <-h.stopCh:
			h.drain(pending)
			h.closeSinks()
			return
		}
	}
}

// drain moves whatever is still buffered into sinks without waiting on the timer.
func (h *Hub) drain(pending *batch) {
	pending.disarm()
	for {
		select {
		case evt := <-h.events:
			if pending.add(evt) {
				h.flush(pending.take())
			}
		default:
			h.flush(pending.take())
			return
		}
	}
}

func (h *Hub) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		h.consume(sink, events)
	}
}

func (h *Hub) consume(sink Sink, events []Event) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, events); err != nil {
		h.logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batch accumulates events until it is full or has been idle for wait.
// It is owned by the run goroutine.
type batch struct {
	events []Event
	limit  int
	wait   time.Duration
	timer  *time.Timer
	armed  bool
}

func newBatch(limit int, wait time.Duration) *batch {
	t := time.NewTimer(wait)
	t.Stop()
	return &batch{
		events: make([]Event, 0, limit),
		limit:  limit,
		wait:   wait,
		timer:  t,
	}
}

// add appends evt and reports whether the batch reached its limit.
// Each add that leaves room restarts the idle timer.
func (b *batch) add(evt Event) bool {
	b.events = append(b.events, evt)
	if len(b.events) >= b.limit {
		return true
	}
	b.timer.Reset(b.wait)
	b.armed = true
	return false
}

// take returns a copy of the pending events and empties the batch.
func (b *batch) take() []Event {
	b.disarm()
	if len(b.events) == 0 {
		return nil
	}
	out := append([]Event(nil), b.events...)
	b.events = b.events[:0]
	return out
}

func (b *batch) disarm() {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
}

// expired yields the timer channel while armed, nil otherwise.
func (b *batch) expired() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
