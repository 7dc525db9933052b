package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepcrawl/internal/progress"
)

// LogSink writes each progress event as a structured log line. It is useful
// during development or audits where a metrics backend is unavailable.
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

// Consume logs each event in the batch. Zero-valued optional fields are
// omitted to keep fetch-heavy runs readable.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := make([]zap.Field, 0, 10)
		fields = append(fields,
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		)
		if evt.Host != "" {
			fields = append(fields, zap.String("host", evt.Host))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.Int("depth", evt.Depth))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", evt.Attempts))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
