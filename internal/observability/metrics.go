// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Endpoint metrics
	EndpointHealthy  *prometheus.GaugeVec
	EndpointFailures *prometheus.CounterVec
	EndpointLatency  *prometheus.GaugeVec
	ConnectAttempts  *prometheus.CounterVec

	// Session metrics
	ActiveSessions prometheus.Gauge

	// Simulation metrics
	SimulationsTotal   *prometheus.CounterVec
	SimulationDuration *prometheus.HistogramVec

	// Execution metrics
	ItemTransitions   *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram
	TerminalErrors    *prometheus.CounterVec
	BatchFallbacks    prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dotbot_exec"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Endpoint metrics
		EndpointHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "healthy",
			Help:      "Whether the endpoint is currently considered healthy (1) or not (0)",
		}, []string{"endpoint"}),
		EndpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "failures_total",
			Help:      "Total number of recorded endpoint failures",
		}, []string{"endpoint"}),
		EndpointLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "avg_latency_ms",
			Help:      "Moving average of successful connect latency in milliseconds",
		}, []string{"endpoint"}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts by mode and result",
		}, []string{"mode", "result"}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_sessions",
			Help:      "Number of active execution sessions",
		}),

		// Simulation metrics
		SimulationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "runs_total",
			Help:      "Total number of simulations by outcome and validation",
		}, []string{"outcome", "validated"}),
		SimulationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "duration_seconds",
			Help:      "Simulation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),

		// Execution metrics
		ItemTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "item_transitions_total",
			Help:      "Total number of item status transitions by target status",
		}, []string{"status"}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "broadcast_duration_seconds",
			Help:      "Time from submission to a terminal chain status",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		TerminalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "terminal_errors_total",
			Help:      "Total number of failed or cancelled items by error code",
		}, []string{"code"}),
		BatchFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "batch_fallbacks_total",
			Help:      "Total number of batches that fell back to individual execution",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordEndpointHealth updates the endpoint health gauges.
func (m *Metrics) RecordEndpointHealth(endpoint string, healthy bool, avgLatencyMs *float64) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.EndpointHealthy.WithLabelValues(endpoint).Set(v)
	if avgLatencyMs != nil {
		m.EndpointLatency.WithLabelValues(endpoint).Set(*avgLatencyMs)
	}
}

// RecordEndpointFailure increments the endpoint failure counter.
func (m *Metrics) RecordEndpointFailure(endpoint string) {
	if m == nil {
		return
	}
	m.EndpointFailures.WithLabelValues(endpoint).Inc()
	m.EndpointHealthy.WithLabelValues(endpoint).Set(0)
}

// RecordConnectAttempt records one connect attempt. mode is "read" or "session".
func (m *Metrics) RecordConnectAttempt(mode string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ConnectAttempts.WithLabelValues(mode, result).Inc()
}

// SetActiveSessions updates the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordSimulation records a simulation outcome.
func (m *Metrics) RecordSimulation(mode, outcome string, validated bool, seconds float64) {
	if m == nil {
		return
	}
	v := "false"
	if validated {
		v = "true"
	}
	m.SimulationsTotal.WithLabelValues(outcome, v).Inc()
	m.SimulationDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordTransition records an item entering status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.ItemTransitions.WithLabelValues(status).Inc()
}

// RecordTerminalError records a failed or cancelled item's code.
func (m *Metrics) RecordTerminalError(code string) {
	if m == nil {
		return
	}
	m.TerminalErrors.WithLabelValues(code).Inc()
}

// RecordBroadcast records broadcast-to-terminal duration.
func (m *Metrics) RecordBroadcast(seconds float64) {
	if m == nil {
		return
	}
	m.BroadcastDuration.Observe(seconds)
}

// RecordBatchFallback increments the batch fallback counter.
func (m *Metrics) RecordBatchFallback() {
	if m == nil {
		return
	}
	m.BatchFallbacks.Inc()
}
