// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline: entities recognized, connections expanded, response actions
// dispatched, analysis duration, and batch size.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EntitiesRecognized counts entities recognized from telemetry, by type.
	EntitiesRecognized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryscope_entities_recognized_total",
			Help: "Total entities recognized from telemetry payloads, by entity type.",
		},
		[]string{"entity_type"},
	)

	// ConnectionsExpanded counts connections discovered during expansion, by method.
	ConnectionsExpanded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryscope_connections_expanded_total",
			Help: "Total connections discovered during expansion, by expansion method.",
		},
		[]string{"method"},
	)

	// ExpansionErrors counts failed expansion calls, by method.
	ExpansionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryscope_expansion_errors_total",
			Help: "Total expansion method failures, by method.",
		},
		[]string{"method"},
	)

	// ResponseActions counts dispatched response actions, by action and outcome.
	ResponseActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryscope_response_actions_total",
			Help: "Total response actions dispatched, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// AnalysisDuration observes wall-clock time for a single Analyze call.
	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryscope_analysis_duration_seconds",
			Help:    "Duration of a single event analysis, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BatchSize observes the number of events submitted per BatchAnalyze call.
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryscope_batch_size",
			Help:    "Number of events submitted per BatchAnalyze call.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// CircuitBreakerState reports the current state of a named circuit breaker (0=closed,1=half-open,2=open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentryscope_circuit_breaker_state",
			Help: "Current state of a named circuit breaker: 0=closed, 1=half-open, 2=open.",
		},
		[]string{"breaker"},
	)
)

func init() {
	prometheus.MustRegister(
		EntitiesRecognized,
		ConnectionsExpanded,
		ExpansionErrors,
		ResponseActions,
		AnalysisDuration,
		BatchSize,
		CircuitBreakerState,
	)
}

// RecordEntityRecognized increments the recognized-entity counter for a type.
func RecordEntityRecognized(entityType string) {
	EntitiesRecognized.WithLabelValues(entityType).Inc()
}

// RecordConnectionExpanded increments the connection counter for a method.
func RecordConnectionExpanded(method string) {
	ConnectionsExpanded.WithLabelValues(method).Inc()
}

// RecordExpansionError increments the expansion-error counter for a method.
func RecordExpansionError(method string) {
	ExpansionErrors.WithLabelValues(method).Inc()
}

// RecordResponseAction increments the response-action counter for an action/outcome pair.
func RecordResponseAction(action, outcome string) {
	ResponseActions.WithLabelValues(action, outcome).Inc()
}

// RecordAnalysisDuration observes the duration of a single Analyze call.
func RecordAnalysisDuration(d time.Duration) {
	AnalysisDuration.Observe(d.Seconds())
}

// RecordBatchSize observes the size of a BatchAnalyze call.
func RecordBatchSize(n int) {
	BatchSize.Observe(float64(n))
}

// RecordCircuitBreakerState sets the current state of a named circuit breaker.
func RecordCircuitBreakerState(breaker string, state float64) {
	CircuitBreakerState.WithLabelValues(breaker).Set(state)
}
