package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(capture.PhaseAuthenticating)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(capture.PhaseInitializing))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(capture.PhaseInitializing))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(capture.PhaseCapturing))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(capture.PhaseCapturing))
	require.NoError(t, hub.Close(context.Background()))
	assert.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubNotifyStampsAndCopiesDetails(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	hub := NewHub(Config{MaxBatchEvents: 1, Clock: fixedClock{at}}, sink)

	details := map[string]string{"pages": "3"}
	hub.Notify("job-1", capture.PhaseCompleted, details)
	details["pages"] = "mutated"
	hub.Notify("", capture.PhaseCompleted, nil)
	hub.Notify("job-1", capture.Phase("bogus"), nil)
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	evt := batches[0][0]
	assert.Equal(t, "job-1", evt.JobID)
	assert.Equal(t, capture.PhaseCompleted, evt.Phase)
	assert.Equal(t, at.UTC(), evt.TS)
	assert.Equal(t, "3", evt.Detail("pages"))
}

func TestNilHubIsNoop(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Notify("job-1", capture.PhaseCapturing, nil)
	assert.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := map[string]Event{
		"missing job":   {Phase: capture.PhaseCapturing, TS: now},
		"missing ts":    {JobID: "job-1", Phase: capture.PhaseCapturing},
		"unknown phase": {JobID: "job-1", Phase: "paused", TS: now},
	}
	for name, evt := range cases {
		assert.Error(t, evt.Validate(), name)
	}
	assert.NoError(t, sampleEvent(capture.PhaseCancelled).Validate())
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(phase capture.Phase) Event {
	return Event{
		JobID: "job-1",
		TS:    time.Now(),
		Phase: phase,
	}
}
