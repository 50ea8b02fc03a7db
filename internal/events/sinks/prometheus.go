package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forumsentry/forumsentry/internal/events"
	"github.com/forumsentry/forumsentry/internal/monitor"
)

// PrometheusSink exports target lifecycle metrics from the event stream. It
// owns its collectors so it can be registered against any registry.
type PrometheusSink struct {
	statusChanges *prometheus.CounterVec
	logLines      prometheus.Counter
	metadata      *prometheus.CounterVec
	registered    prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_status_changes_total",
			Help: "Target status transitions partitioned by new status.",
		}, []string{"status"}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_target_log_lines_total",
			Help: "Log lines appended to target activity logs.",
		}),
		metadata: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_metadata_changes_total",
			Help: "Target metadata changes partitioned by field.",
		}, []string{"field"}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_registrations_total",
			Help: "Targets that reached REGISTERED since process start.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.statusChanges,
		s.logLines,
		s.metadata,
		s.registered,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindStatusChanged:
			s.statusChanges.WithLabelValues(string(evt.Status)).Inc()
			if evt.Status == monitor.StatusRegistered {
				s.registered.Inc()
			}
		case events.KindLogAppended:
			s.logLines.Inc()
		case events.KindMetadataChanged:
			s.metadata.WithLabelValues(string(evt.Field)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
