package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/progress"
)

// PrometheusSink exports how many jobs sit in each phase and counts phase
// entries.
type PrometheusSink struct {
	jobsInPhase *prometheus.GaugeVec
	phaseEnters *prometheus.CounterVec

	tracker *phaseTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsInPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "doccapture_jobs_in_phase",
			Help: "Current number of jobs in each non-terminal phase.",
		}, []string{"phase"}),
		phaseEnters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccapture_phase_entries_total",
			Help: "Phase entries reported by jobs, labeled by phase.",
		}, []string{"phase"}),
		tracker: newPhaseTracker(),
	}
	for _, collector := range []prometheus.Collector{s.jobsInPhase, s.phaseEnters} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.phaseEnters.WithLabelValues(string(evt.Phase)).Inc()
		prev, had := s.tracker.move(evt.JobID, evt.Phase)
		if had {
			s.jobsInPhase.WithLabelValues(string(prev)).Dec()
		}
		if !evt.Phase.Terminal() {
			s.jobsInPhase.WithLabelValues(string(evt.Phase)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type phaseTracker struct {
	mu      sync.Mutex
	current map[string]capture.Phase
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{current: make(map[string]capture.Phase)}
}

// move records next as the job's phase and returns the previous non-terminal
// phase, if any. Terminal phases forget the job.
func (t *phaseTracker) move(jobID string, next capture.Phase) (capture.Phase, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.current[jobID]
	if next.Terminal() {
		delete(t.current, jobID)
	} else {
		t.current[jobID] = next
	}
	return prev, ok
}
