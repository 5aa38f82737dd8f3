package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Errors returned by job lookups and cancellation.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrNotCancellable   = errors.New("job can no longer be cancelled")
	ErrInvalidPhaseMove = errors.New("invalid phase transition")
)

// Job is the orchestration record of one admitted request. Only the
// orchestrator mutates it; readers use Status.
type Job struct {
	ID      string
	Request capture.Request

	cancelled   atomic.Bool
	releaseOnce sync.Once

	mu          sync.RWMutex
	phase       capture.Phase
	enteredAt   time.Time
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	result      capture.Result
	kind        capture.Kind
	errText     string
}

// Status is a read-only snapshot of a job.
type Status struct {
	JobID       string        `json:"job_id"`
	RequesterID string        `json:"requester_id"`
	DocumentID  string        `json:"document_id"`
	Phase       capture.Phase `json:"phase"`
	Kind        capture.Kind  `json:"kind,omitempty"`
	Explanation string        `json:"explanation,omitempty"`
	Error       string        `json:"error,omitempty"`
	PageCount   int           `json:"page_count,omitempty"`
	ByteSize    int           `json:"byte_size,omitempty"`
	Location    string        `json:"location,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

func newJob(id string, req capture.Request, now time.Time) *Job {
	return &Job{
		ID:          id,
		Request:     req,
		phase:       capture.PhaseInitializing,
		enteredAt:   now,
		submittedAt: now,
	}
}

// Cancelled implements capture.CancelFlag.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// Cancel requests cooperative cancellation. It fails once the job has moved
// past capturing.
func (j *Job) Cancel() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch j.phase {
	case capture.PhaseInitializing, capture.PhaseAuthenticating, capture.PhaseCapturing:
		j.cancelled.Store(true)
		return nil
	default:
		return fmt.Errorf("%w: job is %s", ErrNotCancellable, j.phase)
	}
}

// Phase returns the current lifecycle phase.
func (j *Job) Phase() capture.Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

// moveTo transitions the job and returns how long it spent in the previous phase.
func (j *Job) moveTo(next capture.Phase, now time.Time) (capture.Phase, time.Duration, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	prev := j.phase
	if !prev.CanTransition(next) {
		return prev, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseMove, prev, next)
	}
	// A cancellation accepted while capturing wins over leaving the capture phase.
	if next == capture.PhaseAssembling && j.cancelled.Load() {
		return prev, 0, capture.ErrCancelled
	}
	spent := now.Sub(j.enteredAt)
	j.phase = next
	j.enteredAt = now
	if next.Terminal() {
		j.finishedAt = now
	}
	return prev, spent, nil
}

func (j *Job) markStarted(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.startedAt = now
}

func (j *Job) setOutcome(res capture.Result, kind capture.Kind, errText string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = res
	j.kind = kind
	j.errText = errText
}

// Status returns a snapshot of the job.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	st := Status{
		JobID:       j.ID,
		RequesterID: j.Request.RequesterID,
		DocumentID:  j.Request.Locator.DocumentID,
		Phase:       j.phase,
		Kind:        j.kind,
		Error:       j.errText,
		PageCount:   j.result.PageCount,
		ByteSize:    j.result.ByteSize,
		Location:    j.result.Location,
		SubmittedAt: j.submittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.kind != "" {
		st.Explanation = j.kind.Explain()
	}
	return st
}

func (j *Job) record() capture.JobRecord {
	st := j.Status()
	return capture.JobRecord{
		JobID:       st.JobID,
		RequesterID: st.RequesterID,
		DocumentID:  st.DocumentID,
		Locator:     j.Request.Locator.Raw,
		Pages:       j.Request.Pages,
		Phase:       st.Phase,
		Kind:        st.Kind,
		Explanation: st.Explanation,
		PageCount:   st.PageCount,
		ByteSize:    st.ByteSize,
		Location:    st.Location,
		SubmittedAt: st.SubmittedAt,
		StartedAt:   st.StartedAt,
		FinishedAt:  st.FinishedAt,
	}
}

// StatusFromRecord converts a persisted record into a Status.
func StatusFromRecord(rec capture.JobRecord) Status {
	return Status{
		JobID:       rec.JobID,
		RequesterID: rec.RequesterID,
		DocumentID:  rec.DocumentID,
		Phase:       rec.Phase,
		Kind:        rec.Kind,
		Explanation: rec.Explanation,
		PageCount:   rec.PageCount,
		ByteSize:    rec.ByteSize,
		Location:    rec.Location,
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
}
