package sinks

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/progress"
)

// LogSink emits structured logs for debugging phase streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("phase", string(evt.Phase)),
			zap.Time("ts", evt.TS),
		}
		keys := make([]string, 0, len(evt.Details))
		for k := range evt.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, zap.String(k, evt.Details[k]))
		}
		s.logger.Info("job phase", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
