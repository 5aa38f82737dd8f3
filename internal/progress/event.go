package progress

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Event records one phase report for a capture job.
type Event struct {
	// JobID identifies the job that reported.
	JobID string
	// Phase is the phase the job entered.
	Phase capture.Phase
	// TS is the UTC timestamp recorded by the hub.
	TS time.Time
	// Details carries low-volume context such as the failure kind or page count.
	// It must never contain credentials or one-time codes.
	Details map[string]string
}

var knownPhases = map[capture.Phase]struct{}{
	capture.PhaseInitializing:   {},
	capture.PhaseAuthenticating: {},
	capture.PhaseCapturing:      {},
	capture.PhaseAssembling:     {},
	capture.PhaseDelivering:     {},
	capture.PhaseCompleted:      {},
	capture.PhaseFailed:         {},
	capture.PhaseCancelled:      {},
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := knownPhases[e.Phase]; !ok {
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	return nil
}

// Detail returns the named detail or "".
func (e Event) Detail(key string) string {
	return e.Details[key]
}

func cloneDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	return maps.Clone(details)
}
