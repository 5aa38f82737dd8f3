// Package orchestrator sequences one capture job through authentication,
// capture, assembly, and delivery, and guarantees cleanup on every exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/assemble"
	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/gate"
	"github.com/JakeFAU/gated-doc-capture/internal/metrics"
	"github.com/JakeFAU/gated-doc-capture/internal/pager"
)

// Releaser returns admission capacity held by a job.
type Releaser interface {
	Release(requesterID string)
}

// History persists terminal job records.
type History interface {
	RecordJob(ctx context.Context, rec capture.JobRecord) error
}

// Preflighter checks a locator before a browser session is spent on it.
type Preflighter interface {
	Check(ctx context.Context, loc capture.Locator) error
}

// Config holds orchestrator configuration.
type Config struct {
	// LargeThreshold is the byte size above which artifacts are delivered by reference.
	LargeThreshold int
	// SessionAttempts bounds attempts to open a capture session.
	SessionAttempts int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	// CleanupTimeout bounds session teardown and failure reporting.
	CleanupTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator. History and Preflight are optional.
type Deps struct {
	Sessions  capture.SessionFactory
	Gates     *gate.Machine
	Pager     *pager.Controller
	Assembler *assemble.Assembler
	Deliverer capture.Deliverer
	Notifier  capture.Notifier
	Admission Releaser
	History   History
	Preflight Preflighter
	Clock     capture.Clock
	IDs       capture.IDGenerator
	Logger    *zap.Logger
}

// Orchestrator runs capture jobs. Run may be called concurrently for
// distinct jobs.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	retry RetryPolicy
	log   *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// New validates deps and creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session factory is required")
	case deps.Gates == nil:
		return nil, errors.New("gate machine is required")
	case deps.Pager == nil:
		return nil, errors.New("pager is required")
	case deps.Assembler == nil:
		return nil, errors.New("assembler is required")
	case deps.Deliverer == nil:
		return nil, errors.New("deliverer is required")
	case deps.Admission == nil:
		return nil, errors.New("admission releaser is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = 8 << 20
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		retry: NewRetryPolicy(cfg.SessionAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		log:   deps.Logger.Named("orchestrator"),
		jobs:  make(map[string]*Job),
	}, nil
}

// Submit registers an admitted request as a new job in the Initializing phase.
// The caller must follow up with Run or Abort so the admission is released.
func (o *Orchestrator) Submit(req capture.Request) (*Job, error) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := newJob(id, req, o.deps.Clock.Now())
	o.mu.Lock()
	o.jobs[id] = job
	o.mu.Unlock()
	o.notify(job, capture.PhaseInitializing, nil)
	o.log.Info("job submitted",
		zap.String("job_id", id),
		zap.String("requester_id", req.RequesterID),
		zap.String("document_id", req.Locator.DocumentID),
	)
	return job, nil
}

// Get returns the status of a registered job.
func (o *Orchestrator) Get(id string) (Status, bool) {
	o.mu.RLock()
	job, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return job.Status(), true
}

// Cancel requests cancellation of a registered job.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	job, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	if err := job.Cancel(); err != nil {
		return err
	}
	o.log.Info("cancellation requested", zap.String("job_id", id))
	return nil
}

// Active returns the number of registered, non-terminal jobs.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.jobs)
}

// Lookup returns a registered job by ID.
func (o *Orchestrator) Lookup(id string) (*Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[id]
	return job, ok
}

// Abort fails a submitted job that will never run.
func (o *Orchestrator) Abort(ctx context.Context, job *Job, cause error) {
	logger := o.jobLogger(job)
	if cause == nil {
		cause = errors.New("job aborted before start")
	}
	_, _ = o.finish(ctx, job, capture.Result{}, cause, logger)
}

// Run executes job to a terminal phase. Whatever happens, the capture
// session is closed, the admission released, and the outcome reported once.
func (o *Orchestrator) Run(ctx context.Context, job *Job) (res capture.Result, err error) {
	logger := o.jobLogger(job)
	start := o.deps.Clock.Now()
	job.markStarted(start)

	var session capture.Session
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r))
			err = capture.Errorf(capture.KindUnknown, "run", "panic: %v", r)
		}
		o.closeSession(ctx, session, logger)
		res, err = o.finish(ctx, job, res, err, logger)
	}()

	if o.deps.Preflight != nil {
		if err = o.deps.Preflight.Check(ctx, job.Request.Locator); err != nil {
			return res, err
		}
	}
	session, err = o.openSession(ctx, logger)
	if err != nil {
		return res, err
	}
	if err = session.Navigate(ctx, job.Request.Locator.URL); err != nil {
		return res, navigationError(ctx, err)
	}

	if err = o.advance(job, capture.PhaseAuthenticating, nil, logger); err != nil {
		return res, err
	}
	if job.Cancelled() {
		return res, capture.ErrCancelled
	}
	if _, err = o.deps.Gates.WithLogger(logger).ClearGates(ctx, session, job); err != nil {
		return res, err
	}

	if err = o.advance(job, capture.PhaseCapturing, captureDetails(job.Request), logger); err != nil {
		return res, err
	}
	captures, err := o.deps.Pager.WithLogger(logger).CaptureAll(ctx, session, job.Request.Pages, job)
	if err != nil {
		return res, err
	}
	metrics.ObservePages(len(captures))
	o.closeSession(ctx, session, logger)
	session = nil

	if err = o.advance(job, capture.PhaseAssembling, map[string]string{"pages": strconv.Itoa(len(captures))}, logger); err != nil {
		return res, err
	}
	doc, err := o.deps.Assembler.Assemble(ctx, captures)
	if err != nil {
		return res, err
	}
	metrics.ObserveDocument(doc.ByteSize)

	if err = o.advance(job, capture.PhaseDelivering, map[string]string{"bytes": strconv.Itoa(doc.ByteSize)}, logger); err != nil {
		return res, err
	}
	res = capture.Result{
		JobID:     job.ID,
		PageCount: doc.PageCount,
		ByteSize:  doc.ByteSize,
		Artifact:  doc.Bytes,
	}
	meta := o.meta(job, doc)
	if doc.ByteSize > o.cfg.LargeThreshold {
		res.LargeOutput = true
		res.Location, err = o.deps.Deliverer.DeliverLarge(ctx, doc.Bytes, meta)
	} else {
		err = o.deps.Deliverer.DeliverSmall(ctx, doc.Bytes, meta)
	}
	if err != nil {
		return res, capture.Wrap(capture.KindDeliveryFailed, "deliver", err)
	}
	res.Duration = o.deps.Clock.Now().Sub(start)
	return res, nil
}

// navigationError classifies a failed initial navigation. Cancellation and
// deadlines keep their own kinds; anything else means the document could not
// be loaded.
func navigationError(ctx context.Context, err error) error {
	switch {
	case capture.KindOf(err) == capture.KindCancelled, errors.Is(ctx.Err(), context.Canceled):
		return capture.Wrap(capture.KindCancelled, "navigate", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return capture.Wrap(capture.KindAuthTimeout, "navigate", err)
	default:
		return capture.Wrap(capture.KindDocumentExpiredOrMissing, "navigate", err)
	}
}

func captureDetails(req capture.Request) map[string]string {
	if req.AllPages() {
		return map[string]string{"pages": "all"}
	}
	return map[string]string{"pages": strconv.Itoa(len(req.Pages))}
}

// openSession opens a capture session, retrying transient failures with
// jittered backoff before giving up with ResourceInitFailed.
func (o *Orchestrator) openSession(ctx context.Context, logger *zap.Logger) (capture.Session, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		session, err := o.deps.Sessions.Open(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		if !o.retry.ShouldRetry(err, attempt) {
			break
		}
		wait := o.retry.Backoff(attempt)
		logger.Warn("open session failed; retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.retry.MaxAttempts()),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := capture.Sleep(ctx, wait, nil); serr != nil {
			return nil, serr
		}
	}
	if ctx.Err() != nil && errors.Is(lastErr, context.Canceled) {
		return nil, capture.Wrap(capture.KindCancelled, "open session", lastErr)
	}
	return nil, capture.Wrap(capture.KindResourceInitFailed, "open session", lastErr)
}

func (o *Orchestrator) closeSession(ctx context.Context, session capture.Session, logger *zap.Logger) {
	if session == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Warn("close session failed", zap.Error(err))
	}
}

// advance moves job to next and reports the transition.
func (o *Orchestrator) advance(job *Job, next capture.Phase, details map[string]string, logger *zap.Logger) error {
	prev, spent, err := job.moveTo(next, o.deps.Clock.Now())
	if err != nil {
		return err
	}
	metrics.ObservePhase(string(prev), spent)
	logger.Debug("phase transition", zap.String("from", string(prev)), zap.String("to", string(next)))
	o.notify(job, next, details)
	return nil
}

// finish moves job to its terminal phase, reports the outcome once, releases
// the admission, and drops the job from the registry.
func (o *Orchestrator) finish(ctx context.Context, job *Job, res capture.Result, runErr error, logger *zap.Logger) (capture.Result, error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()

	terminal := capture.PhaseCompleted
	var kind capture.Kind
	if runErr != nil {
		kind = capture.KindOf(runErr)
		terminal = capture.PhaseFailed
		if kind == capture.KindCancelled && job.Phase().CanTransition(capture.PhaseCancelled) {
			terminal = capture.PhaseCancelled
		}
		var ce *capture.Error
		if !errors.As(runErr, &ce) {
			runErr = capture.Wrap(kind, "run", runErr)
		}
	}
	if _, spent, err := job.moveTo(terminal, o.deps.Clock.Now()); err != nil {
		logger.Error("terminal transition rejected", zap.Error(err))
	} else {
		metrics.ObservePhase(string(job.Phase()), spent)
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		res.Artifact = nil
	}
	job.setOutcome(res, kind, errText)
	metrics.ObserveJob(string(terminal), string(kind))

	details := map[string]string{}
	if runErr != nil {
		details["kind"] = string(kind)
		details["explanation"] = kind.Explain()
		logger.Warn("job finished", zap.String("phase", string(terminal)), zap.String("kind", string(kind)), zap.Error(runErr))
		meta := o.meta(job, capture.Document{})
		if err := o.deps.Deliverer.ReportFailure(cleanupCtx, meta, kind, kind.Explain()); err != nil {
			logger.Error("report failure", zap.Error(err))
		}
	} else {
		details["pages"] = strconv.Itoa(res.PageCount)
		details["bytes"] = strconv.Itoa(res.ByteSize)
		logger.Info("job completed", zap.Int("pages", res.PageCount), zap.Int("bytes", res.ByteSize), zap.Bool("large", res.LargeOutput))
	}
	o.notify(job, terminal, details)

	if o.deps.History != nil {
		if err := o.deps.History.RecordJob(cleanupCtx, job.record()); err != nil {
			logger.Warn("record job history", zap.Error(err))
		}
	}
	job.releaseOnce.Do(func() { o.deps.Admission.Release(job.Request.RequesterID) })

	o.mu.Lock()
	delete(o.jobs, job.ID)
	o.mu.Unlock()
	return res, runErr
}

func (o *Orchestrator) notify(job *Job, phase capture.Phase, details map[string]string) {
	if o.deps.Notifier == nil {
		return
	}
	if details == nil {
		details = map[string]string{}
	}
	details["requester_id"] = job.Request.RequesterID
	details["document_id"] = job.Request.Locator.DocumentID
	o.deps.Notifier.Notify(job.ID, phase, details)
}

func (o *Orchestrator) meta(job *Job, doc capture.Document) capture.DeliveryMeta {
	return capture.DeliveryMeta{
		JobID:       job.ID,
		RequesterID: job.Request.RequesterID,
		DocumentID:  job.Request.Locator.DocumentID,
		FileName:    fmt.Sprintf("%s-%s.pdf", job.Request.Locator.DocumentID, job.ID),
		ContentType: doc.ContentType,
		PageCount:   doc.PageCount,
		ByteSize:    doc.ByteSize,
	}
}

func (o *Orchestrator) jobLogger(job *Job) *zap.Logger {
	return o.log.With(
		zap.String("job_id", job.ID),
		zap.String("requester_id", job.Request.RequesterID),
		zap.String("document_id", job.Request.Locator.DocumentID),
	)
}
