// Package sinks contains Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/events"
)

// LogSink emits structured logs for the event stream. It is useful during
// development or audits where no durable observer is attached.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("target_id", evt.TargetID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case events.KindStatusChanged:
			fields = append(fields,
				zap.String("status", string(evt.Status)),
				zap.String("previous", string(evt.Previous)),
			)
		case events.KindLogAppended:
			fields = append(fields, zap.String("line", evt.Line))
		case events.KindMetadataChanged:
			fields = append(fields, zap.String("field", string(evt.Field)))
		}
		s.logger.Info("target event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
