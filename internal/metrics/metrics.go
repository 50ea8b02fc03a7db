// Package metrics exposes Prometheus collectors for the sentry service.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	probesTotal             *prometheus.CounterVec
	probeDurationSeconds    *prometheus.HistogramVec
	probesInFlight          prometheus.Gauge
	bypassAttemptsTotal     *prometheus.CounterVec
	plannerCallsTotal       *prometheus.CounterVec
	discoveryDecisionsTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_probes_total",
				Help: "Total probes executed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		probeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentry_probe_duration_seconds",
				Help:    "Histogram of end-to-end probe latencies, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		)

		probesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentry_probes_in_flight",
				Help: "Number of probes currently executing.",
			},
		)

		bypassAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_bypass_attempts_total",
				Help: "Challenge bypass attempts, labeled by result.",
			},
			[]string{"result"},
		)

		plannerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_planner_calls_total",
				Help: "AI planner invocations, labeled by result.",
			},
			[]string{"result"},
		)

		discoveryDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_discovery_decisions_total",
				Help: "Discovery feed item decisions, labeled by decision.",
			},
			[]string{"decision"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, returning "unknown"
// when the URL cannot be parsed.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProbe records one completed probe.
func ObserveProbe(site string, outcome string, duration time.Duration) {
	Init()
	probesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	probeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncProbesInFlight increments the in-flight probe gauge.
func IncProbesInFlight() {
	Init()
	probesInFlight.Inc()
}

// DecProbesInFlight decrements the in-flight probe gauge.
func DecProbesInFlight() {
	Init()
	probesInFlight.Dec()
}

// ObserveBypass records a bypass attempt result ("solved" or "failed").
func ObserveBypass(result string) {
	Init()
	bypassAttemptsTotal.WithLabelValues(result).Inc()
}

// ObservePlannerCall records an AI planner call result ("plan", "empty", "error").
func ObservePlannerCall(result string) {
	Init()
	plannerCallsTotal.WithLabelValues(result).Inc()
}

// ObserveDiscoveryDecision records one feed-item decision.
func ObserveDiscoveryDecision(decision string) {
	Init()
	discoveryDecisionsTotal.WithLabelValues(decision).Inc()
}
