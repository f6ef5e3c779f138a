package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for olav.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge

	// Policy and approval metrics.
	PolicyBlocksTotal *prometheus.CounterVec
	ApprovalsTotal    *prometheus.CounterVec

	// Transport metrics.
	TransportDuration    *prometheus.HistogramVec
	TransportErrorsTotal *prometheus.CounterVec
	ParseFallbacksTotal  *prometheus.CounterVec
	DiffTruncatedTotal   *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by audit action.",
		}, []string{"protocol", "action", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "olav",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds, approval wait included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"protocol"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "olav",
			Name:      "active_executions",
			Help:      "Number of executions currently in flight.",
		}),

		PolicyBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "policy",
			Name:      "blocks_total",
			Help:      "Requests refused by the command policy.",
		}, []string{"protocol", "reason"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "approval",
			Name:      "outcomes_total",
			Help:      "Approval outcomes by final status.",
		}, []string{"status"}),

		TransportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "olav",
			Subsystem: "transport",
			Name:      "duration_seconds",
			Help:      "Device round-trip duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"protocol"}),

		TransportErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport failures by error kind.",
		}, []string{"protocol", "kind"}),

		ParseFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "transport",
			Name:      "parse_fallbacks_total",
			Help:      "CLI outputs returned raw because no template parsed them.",
		}, []string{"platform"}),

		DiffTruncatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olav",
			Subsystem: "transport",
			Name:      "diff_truncated_total",
			Help:      "Configuration diffs cut at the size cap.",
		}, []string{"protocol"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.PolicyBlocksTotal,
		m.ApprovalsTotal,
		m.TransportDuration,
		m.TransportErrorsTotal,
		m.ParseFallbacksTotal,
		m.DiffTruncatedTotal,
	)

	return m
}

// The methods below let the sandbox record outcomes without importing Prometheus.
// All are nil-safe.

func (m *MetricsCollector) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *MetricsCollector) ExecutionFinished(protocol, action string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	status := "success"
	if !success {
		status = "failure"
	}
	m.ExecutionsTotal.WithLabelValues(protocol, action, status).Inc()
	m.ExecutionDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

func (m *MetricsCollector) PolicyBlocked(protocol, reason string) {
	if m == nil {
		return
	}
	m.PolicyBlocksTotal.WithLabelValues(protocol, reason).Inc()
}

func (m *MetricsCollector) ApprovalResolved(status string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(status).Inc()
}
