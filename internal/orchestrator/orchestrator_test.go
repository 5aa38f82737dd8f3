package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/admission"
	"github.com/JakeFAU/gated-doc-capture/internal/assemble"
	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/capture/capturetest"
	"github.com/JakeFAU/gated-doc-capture/internal/gate"
	"github.com/JakeFAU/gated-doc-capture/internal/pager"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type recordingHistory struct {
	mu      sync.Mutex
	records []capture.JobRecord
}

func (h *recordingHistory) RecordJob(_ context.Context, rec capture.JobRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *recordingHistory) all() []capture.JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capture.JobRecord(nil), h.records...)
}

type harness struct {
	orch      *Orchestrator
	factory   *capturetest.Factory
	notifier  *capturetest.Notifier
	deliverer *capturetest.Deliverer
	admission *admission.Scheduler
	history   *recordingHistory
}

type harnessOpts struct {
	doc            capturetest.Doc
	failOpens      int
	codes          capture.CodeSource
	largeThreshold int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		factory:   &capturetest.Factory{Doc: opts.doc, FailOpens: opts.failOpens},
		notifier:  &capturetest.Notifier{},
		deliverer: &capturetest.Deliverer{},
		admission: admission.New(admission.Config{MaxConcurrent: 2}, logger),
		history:   &recordingHistory{},
	}
	machine := gate.New(gate.Config{
		Identity:      "viewer@example.com",
		OTPTimeout:    200 * time.Millisecond,
		ReadyTimeout:  100 * time.Millisecond,
		Deadline:      2 * time.Second,
		Settle:        time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, gate.DefaultCatalog(), opts.codes, logger)
	ctrl := pager.New(pager.Config{
		MaxPages:        50,
		Settle:          time.Millisecond,
		ChromeSelectors: pager.DefaultChromeSelectors(),
	}, pager.DefaultControls(), logger)
	asm, err := assemble.New(assemble.Config{PaperSize: "A4", DPI: 30}, logger)
	require.NoError(t, err)

	h.orch, err = New(Config{
		LargeThreshold:  opts.largeThreshold,
		SessionAttempts: 2,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
		CleanupTimeout:  time.Second,
	}, Deps{
		Sessions:  h.factory,
		Gates:     machine,
		Pager:     ctrl,
		Assembler: asm,
		Deliverer: h.deliverer,
		Notifier:  h.notifier,
		Admission: h.admission,
		History:   h.history,
		Clock:     wallClock{},
		IDs:       &seqIDs{},
		Logger:    logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T, pages []int) *Job {
	t.Helper()
	require.True(t, h.admission.TryAdmit("alice").Admitted)
	loc, err := capture.ParseLocator("https://viewer.example.com/view/abc123")
	require.NoError(t, err)
	job, err := h.orch.Submit(capture.Request{RequesterID: "alice", Locator: loc, Pages: pages})
	require.NoError(t, err)
	return job
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestRunCapturesAllPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 3, Counter: true}})
	job := h.submit(t, nil)

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, 3, res.PageCount)
	assert.False(t, res.LargeOutput)
	assert.True(t, bytes.HasPrefix(res.Artifact, []byte("%PDF-")))

	viewers := h.factory.Viewers()
	require.Len(t, viewers, 1)
	assert.Equal(t, []int{1, 2, 3}, viewers[0].Shots())
	assert.Equal(t, 1, viewers[0].CloseCalls())

	require.Len(t, h.deliverer.Small(), 1)
	meta := h.deliverer.Metas()[0]
	assert.Equal(t, "abc123-"+job.ID+".pdf", meta.FileName)
	assert.Equal(t, 3, meta.PageCount)
	assert.Empty(t, h.deliverer.Failures())

	assert.Equal(t, []capture.Phase{
		capture.PhaseInitializing,
		capture.PhaseAuthenticating,
		capture.PhaseCapturing,
		capture.PhaseAssembling,
		capture.PhaseDelivering,
		capture.PhaseCompleted,
	}, h.notifier.Phases(job.ID))
	assert.Equal(t, "all", h.notifier.Details(job.ID, capture.PhaseCapturing)["pages"])

	assert.Equal(t, capture.PhaseCompleted, job.Phase())
	assert.Equal(t, 0, h.admission.Stats().InFlight)
	assert.Equal(t, 0, h.orch.Active())

	records := h.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, capture.PhaseCompleted, records[0].Phase)
	assert.Equal(t, 3, records[0].PageCount)
}

func TestRunExplicitPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 5, Counter: true}})
	job := h.submit(t, []int{2, 4})

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageCount)
	assert.Equal(t, []int{2, 4}, h.factory.Viewers()[0].Shots())
}

func TestRunDeliversLargeArtifactsByReference(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 2}, largeThreshold: 16})
	job := h.submit(t, nil)

	res, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.LargeOutput)
	assert.Equal(t, "memory://abc123-"+job.ID+".pdf", res.Location)
	assert.Len(t, h.deliverer.Large(), 1)
	assert.Empty(t, h.deliverer.Small())
	assert.Equal(t, res.Location, job.Status().Location)
}

func TestRunRejectedEmailCapturesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{
		Pages:         3,
		Gates:         []capturetest.Gate{capturetest.GateEmail},
		AcceptedEmail: "someone@else.com",
	}})
	job := h.submit(t, nil)

	_, err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, capture.KindCredentialMismatch, capture.KindOf(err))
	assert.Equal(t, capture.PhaseFailed, job.Phase())

	v := h.factory.Viewers()[0]
	assert.Empty(t, v.Shots())
	assert.True(t, v.Closed())

	failures := h.deliverer.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, capture.KindCredentialMismatch, failures[0].Kind)
	assert.Equal(t, capture.KindCredentialMismatch.Explain(), failures[0].Explanation)
	assert.Empty(t, h.deliverer.Small())

	st := job.Status()
	assert.Equal(t, capture.KindCredentialMismatch, st.Kind)
	assert.NotEmpty(t, st.Explanation)
	assert.Equal(t, 0, h.admission.Stats().InFlight)
}

func TestRunCancelMidCapture(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		orch  *Orchestrator
		jobID string
	)
	h := newHarness(t, harnessOpts{doc: capturetest.Doc{
		Pages: 4,
		BeforeShot: func(page int) {
			if page == 2 {
				assert.NoError(t, orch.Cancel(jobID))
			}
		},
	}})
	orch = h.orch
	job := h.submit(t, nil)
	jobID = job.ID

	_, err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, capture.KindCancelled, capture.KindOf(err))
	assert.Equal(t, capture.PhaseCancelled, job.Phase())

	v := h.factory.Viewers()[0]
	assert.Equal(t, []int{1, 2}, v.Shots())
	assert.Equal(t, 1, v.CloseCalls())
	assert.Equal(t, 0, h.admission.Stats().InFlight)
	assert.Empty(t, h.deliverer.Small())
	require.Len(t, h.deliverer.Failures(), 1)
	assert.Equal(t, capture.KindCancelled, h.deliverer.Failures()[0].Kind)
	assert.Equal(t, capture.PhaseCancelled, h.notifier.Phases(job.ID)[len(h.notifier.Phases(job.ID))-1])
}

func TestRunCancelledBeforeAuthentication(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 2}})
	job := h.submit(t, nil)
	require.NoError(t, h.orch.Cancel(job.ID))

	_, err := h.orch.Run(context.Background(), job)
	assert.Equal(t, capture.KindCancelled, capture.KindOf(err))
	assert.Equal(t, capture.PhaseCancelled, job.Phase())
	assert.True(t, h.factory.Viewers()[0].Closed())
	assert.Empty(t, h.factory.Viewers()[0].Shots())
}

func TestRunRetriesSessionOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1}, failOpens: 1})
	job := h.submit(t, nil)

	_, err := h.orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, h.factory.Opens())
}

func TestRunGivesUpOnSessionOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1}, failOpens: 5})
	job := h.submit(t, nil)

	_, err := h.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, capture.KindResourceInitFailed, capture.KindOf(err))
	assert.Equal(t, 2, h.factory.Opens())
	assert.Equal(t, capture.PhaseFailed, job.Phase())
	assert.Equal(t, 0, h.admission.Stats().InFlight)
}

func TestRunNavigationFailureIsMissingDocument(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1, FailNavigate: capturetest.ErrInjected}})
	job := h.submit(t, nil)

	_, err := h.orch.Run(context.Background(), job)
	assert.Equal(t, capture.KindDocumentExpiredOrMissing, capture.KindOf(err))
	assert.ErrorIs(t, err, capturetest.ErrInjected)
	assert.True(t, h.factory.Viewers()[0].Closed())
}

func TestRunNavigationFailureKeepsCancellationAndDeadline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want capture.Kind
	}{
		{name: "cancelled", err: fmt.Errorf("chromedp run: %w", context.Canceled), want: capture.KindCancelled},
		{name: "deadline", err: fmt.Errorf("chromedp run: %w", context.DeadlineExceeded), want: capture.KindAuthTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1, FailNavigate: tt.err}})
			job := h.submit(t, nil)

			_, err := h.orch.Run(context.Background(), job)
			assert.Equal(t, tt.want, capture.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 0, h.admission.Stats().InFlight)
		})
	}
}

func TestNavigationErrorUsesContextState(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Unix(0, 0))
	defer cancelExpired()

	assert.Equal(t, capture.KindCancelled, capture.KindOf(navigationError(cancelled, capturetest.ErrInjected)))
	assert.Equal(t, capture.KindAuthTimeout, capture.KindOf(navigationError(expired, capturetest.ErrInjected)))
	assert.Equal(t, capture.KindDocumentExpiredOrMissing,
		capture.KindOf(navigationError(context.Background(), capturetest.ErrInjected)))
}

func TestRunDeliveryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1}})
	h.deliverer.Err = capturetest.ErrInjected
	job := h.submit(t, nil)

	_, err := h.orch.Run(context.Background(), job)
	assert.Equal(t, capture.KindDeliveryFailed, capture.KindOf(err))
	assert.Equal(t, capture.PhaseFailed, job.Phase())
	require.Len(t, h.deliverer.Failures(), 1)
}

func TestAbortReleasesAdmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1}})
	job := h.submit(t, nil)
	require.Equal(t, 1, h.admission.Stats().InFlight)

	h.orch.Abort(context.Background(), job, capturetest.ErrInjected)
	assert.Equal(t, capture.PhaseFailed, job.Phase())
	assert.Equal(t, 0, h.admission.Stats().InFlight)
	assert.Equal(t, 0, h.factory.Opens())

	_, ok := h.orch.Get(job.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, h.orch.Cancel(job.ID), ErrJobNotFound)
}

func TestGetAndCancelRegisteredJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{doc: capturetest.Doc{Pages: 1}})
	job := h.submit(t, nil)

	st, ok := h.orch.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, capture.PhaseInitializing, st.Phase)
	assert.Equal(t, "alice", st.RequesterID)
	assert.Equal(t, "abc123", st.DocumentID)

	require.NoError(t, h.orch.Cancel(job.ID))
	assert.True(t, job.Cancelled())
	h.orch.Abort(context.Background(), job, capture.ErrCancelled)
}
