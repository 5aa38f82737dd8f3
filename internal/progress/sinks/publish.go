package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/progress"
)

// EventPhase is the event name used for forwarded phase reports.
const EventPhase = "capture.phase"

// Publisher emits named events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// PhaseMessage is the payload published for each phase report.
type PhaseMessage struct {
	JobID   string            `json:"job_id"`
	Phase   string            `json:"phase"`
	At      time.Time         `json:"at"`
	Details map[string]string `json:"details,omitempty"`
}

// PublishSink forwards phase reports to a message publisher so requesters can
// follow their jobs.
type PublishSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPublishSink constructs a PublishSink for the provided publisher.
func NewPublishSink(pub Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, logger: logger}
}

// Consume publishes each event in order and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		msg := PhaseMessage{
			JobID:   evt.JobID,
			Phase:   string(evt.Phase),
			At:      evt.TS,
			Details: evt.Details,
		}
		if _, err := s.pub.Publish(ctx, EventPhase, msg); err != nil {
			return fmt.Errorf("publish phase %s for job %s: %w", evt.Phase, evt.JobID, err)
		}
	}
	s.logger.Debug("phase events published", zap.Int("events", len(batch)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
