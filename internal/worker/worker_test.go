package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/orchestrator"
	"github.com/JakeFAU/gated-doc-capture/internal/queue/memory"
)

type fakeRunner struct {
	mu    sync.Mutex
	known map[string]bool
	ran   []string
	err   error
}

func (r *fakeRunner) Lookup(id string) (*orchestrator.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[id] {
		return nil, false
	}
	r.ran = append(r.ran, id)
	return &orchestrator.Job{ID: id}, true
}

func (r *fakeRunner) Run(context.Context, *orchestrator.Job) (capture.Result, error) {
	return capture.Result{PageCount: 2}, r.err
}

func (r *fakeRunner) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func TestWorkerRunsKnownJobsAndStopsOnClose(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	runner := &fakeRunner{known: map[string]bool{"job-1": true, "job-3": true}}
	core, logs := observer.New(zap.DebugLevel)
	w := New(1, q, runner, zap.New(core))

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(context.Background(), capture.QueueItem{JobID: id}))
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}

	assert.Equal(t, []string{"job-1", "job-3"}, runner.Ran())
	assert.Equal(t, 1, logs.FilterMessage("dequeued job is no longer registered").Len())
	assert.Equal(t, 2, logs.FilterMessage("job completed").Len())
}

func TestWorkerLogsFailedJobs(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	runner := &fakeRunner{
		known: map[string]bool{"job-1": true},
		err:   capture.Errorf(capture.KindOtpTimeout, "gate", "no code"),
	}
	core, logs := observer.New(zap.InfoLevel)
	w := New(1, q, runner, zap.New(core))

	require.NoError(t, q.Enqueue(context.Background(), capture.QueueItem{JobID: "job-1"}))
	q.Close()
	w.Run(context.Background())

	entries := logs.FilterMessage("job ended without artifact").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "OtpTimeout", entries[0].ContextMap()["kind"])
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(1, q, &fakeRunner{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
