// Package metrics defines the Prometheus collectors for the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// StreamBuckets covers LLM stream durations from 100ms to 5 minutes.
var StreamBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Outcome labels for InvocationsTotal.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
)

var (
	// InvocationsTotal counts invocations by service and outcome.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrelay_invocations_total",
			Help: "Invocations by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	// StreamDuration records the time from dispatch to stream close.
	StreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptrelay_stream_duration_seconds",
			Help:    "Backend stream duration",
			Buckets: StreamBuckets,
		},
		[]string{"service"},
	)

	// FragmentsTotal counts text fragments relayed to callers.
	FragmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrelay_fragments_total",
			Help: "Relayed text fragments",
		},
		[]string{"service"},
	)

	// ActiveStreams tracks invocations currently streaming.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptrelay_streams_active",
			Help: "Active backend streams",
		},
	)

	// HookFailuresTotal counts completion hook deliveries that failed.
	HookFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptrelay_hook_failures_total",
			Help: "Failed completion hook deliveries",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InvocationsTotal,
		StreamDuration,
		FragmentsTotal,
		ActiveStreams,
		HookFailuresTotal,
	)
}
