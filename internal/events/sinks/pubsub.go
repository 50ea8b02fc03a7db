package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/forumsentry/forumsentry/internal/events"
)

// PubSubSink broadcasts status-change events to a Google Cloud Pub/Sub topic
// so external dashboards can follow target lifecycles. Log-append events are
// too chatty for a broker and are skipped.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

type pubsubPayload struct {
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status,omitempty"`
	Previous string `json:"previous,omitempty"`
	Field    string `json:"field,omitempty"`
	TS       string `json:"ts"`
}

// Consume publishes status and metadata events. Publish results are awaited
// so sink timeouts bound the call.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	var firstErr error
	for _, evt := range batch {
		if evt.Kind == events.KindLogAppended {
			continue
		}
		data, err := json.Marshal(pubsubPayload{
			TargetID: evt.TargetID,
			Kind:     string(evt.Kind),
			Status:   string(evt.Status),
			Previous: string(evt.Previous),
			Field:    string(evt.Field),
			TS:       evt.TS.Format("2006-01-02T15:04:05Z07:00"),
		})
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		result := s.topic.Publish(ctx, &pubsub.Message{Data: data})
		if _, err := result.Get(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish event: %w", err)
		}
	}
	return firstErr
}

// Close stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}
