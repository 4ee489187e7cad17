package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for codexec.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge

	// Security metrics.
	ValidationsTotal   *prometheus.CounterVec
	RuleViolations     *prometheus.CounterVec
	PolicyDenialsTotal *prometheus.CounterVec

	// Tool metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Catalog metrics.
	CatalogBuildsTotal *prometheus.CounterVec
	CatalogTools       prometheus.Gauge

	// Orchestration metrics.
	GenerationAttemptsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total code executions by runner and outcome kind.",
		}, []string{"runner", "result"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codexec",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Code execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"runner"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexec",
			Subsystem: "executor",
			Name:      "active_executions",
			Help:      "Number of executions currently running.",
		}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "security",
			Name:      "validations_total",
			Help:      "Total static validations by result.",
		}, []string{"result"}),

		RuleViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "security",
			Name:      "rule_violations_total",
			Help:      "Rule violations found by static validation.",
		}, []string{"rule", "severity"}),

		PolicyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "security",
			Name:      "policy_denials_total",
			Help:      "Runtime policy denials by policy.",
		}, []string{"policy"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls made by executing code.",
		}, []string{"server", "tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codexec",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),

		CatalogBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "catalog",
			Name:      "builds_total",
			Help:      "Total catalog builds.",
		}, []string{"status"}),

		CatalogTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexec",
			Subsystem: "catalog",
			Name:      "tools",
			Help:      "Number of tools in the current catalog.",
		}),

		GenerationAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "orchestrator",
			Name:      "attempts_total",
			Help:      "Generate-and-execute attempts by outcome kind.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codexec",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexec",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.ValidationsTotal,
		m.RuleViolations,
		m.PolicyDenialsTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.CatalogBuildsTotal,
		m.CatalogTools,
		m.GenerationAttemptsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ExecutionStarted marks an execution as running and returns the func
// that marks it done.
func (m *MetricsCollector) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}

// RecordExecution counts a finished execution. result is "success" or the
// failure kind.
func (m *MetricsCollector) RecordExecution(runner, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(runner, result).Inc()
	m.ExecutionDuration.WithLabelValues(runner).Observe(d.Seconds())
}

// RecordValidation counts a static validation and its violations.
func (m *MetricsCollector) RecordValidation(result string, violations map[string]string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
	for rule, severity := range violations {
		m.RuleViolations.WithLabelValues(rule, severity).Inc()
	}
}

// RecordPolicyDenial counts a runtime policy denial.
func (m *MetricsCollector) RecordPolicyDenial(policy string) {
	if m == nil {
		return
	}
	m.PolicyDenialsTotal.WithLabelValues(policy).Inc()
}

// RecordCatalogBuild counts a catalog build and updates the tool gauge on success.
func (m *MetricsCollector) RecordCatalogBuild(tools int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CatalogBuildsTotal.WithLabelValues("error").Inc()
		return
	}
	m.CatalogBuildsTotal.WithLabelValues("success").Inc()
	m.CatalogTools.Set(float64(tools))
}

// RecordAttempt counts one orchestration attempt.
func (m *MetricsCollector) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.GenerationAttemptsTotal.WithLabelValues(result).Inc()
}
