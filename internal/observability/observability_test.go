package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/codexec/internal/config"
	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil || obs.SpanTracer() != nil {
		t.Error("nil Observability should hand out nil components")
	}
}

func TestTracing_NilStart(t *testing.T) {
	var ts *Tracing
	ctx, end := ts.Start(context.Background(), "noop")
	if ctx == nil {
		t.Fatal("expected context")
	}
	end(errors.New("ignored"))
	if ts.Tracer() == nil {
		t.Error("nil setup should return a noop tracer")
	}
}

func TestNewTracing(t *testing.T) {
	ts, err := NewTracing(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("disabled tracing = %v, %v; want nil, nil", ts, err)
	}

	ts, err = NewTracing(&config.TracingConfig{Enabled: true, Protocol: "http", Endpoint: "127.0.0.1:4318", Insecure: true})
	if err != nil {
		t.Fatalf("NewTracing error: %v", err)
	}
	_, end := ts.Start(context.Background(), "executor.execute")
	end(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ts.Shutdown(ctx)
}

func TestSampler(t *testing.T) {
	for rate, want := range map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	} {
		if got := sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", rate, got, want)
		}
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Recorders(t *testing.T) {
	m := NewMetricsCollector()

	done := m.ExecutionStarted()
	m.RecordExecution("inprocess", "success", 20*time.Millisecond)
	m.RecordExecution("inprocess", "security_blocked", 0)
	m.RecordExecution("inprocess", "success", time.Millisecond)
	done()
	m.RecordValidation("blocked", map[string]string{"blocked-module": "BLOCK"})
	m.RecordPolicyDenial("network")
	m.RecordCatalogBuild(7, nil)
	m.RecordCatalogBuild(0, errors.New("all providers failed"))
	m.RecordAttempt("syntax_error")

	tests := []struct {
		name   string
		labels prometheus.Labels
		want   float64
	}{
		{"codexec_executor_executions_total", prometheus.Labels{"runner": "inprocess", "result": "success"}, 2},
		{"codexec_executor_executions_total", prometheus.Labels{"result": "security_blocked"}, 1},
		{"codexec_security_validations_total", prometheus.Labels{"result": "blocked"}, 1},
		{"codexec_security_rule_violations_total", prometheus.Labels{"rule": "blocked-module"}, 1},
		{"codexec_security_policy_denials_total", prometheus.Labels{"policy": "network"}, 1},
		{"codexec_catalog_builds_total", prometheus.Labels{"status": "success"}, 1},
		{"codexec_catalog_builds_total", prometheus.Labels{"status": "error"}, 1},
		{"codexec_orchestrator_attempts_total", prometheus.Labels{"result": "syntax_error"}, 1},
	}
	for _, tc := range tests {
		if got := counterValue(t, m.Registry, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
	if got := gaugeValue(t, m.Registry, "codexec_catalog_tools"); got != 7 {
		t.Errorf("catalog tools gauge = %v, want 7", got)
	}
	if got := gaugeValue(t, m.Registry, "codexec_executor_active_executions"); got != 0 {
		t.Errorf("active executions = %v, want 0", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ExecutionStarted()()
	m.RecordExecution("process", "success", time.Second)
	m.RecordValidation("ok", nil)
	m.RecordPolicyDenial("filesystem")
	m.RecordCatalogBuild(1, nil)
	m.RecordAttempt("success")
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if !status.OK() {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("catalog", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" || status.Checks["store"].Message != "connection refused" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["catalog"].Status != "ok" {
		t.Errorf("catalog check = %q, want ok", status.Checks["catalog"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.RecordViolation("user", "security_blocked") {
		t.Error("nil detector should never flag")
	}
}

func TestAnomalyDetector_ErrorRateWindow(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }

	for range 4 {
		a.RecordSuccess("tool_weather")
	}
	for range 6 {
		a.RecordError("tool_weather")
	}

	a.mu.Lock()
	errs := a.errorCounts["tool_weather"].sum(now)
	expired := a.errorCounts["tool_weather"].sum(now.Add(2 * time.Minute))
	a.mu.Unlock()

	if errs != 6 {
		t.Errorf("errors = %v, want 6", errs)
	}
	if expired != 0 {
		t.Errorf("errors after window = %v, want 0", expired)
	}
}

func TestAnomalyDetector_ViolationThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ViolationThreshold: 3, WindowSeconds: 60}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }

	for i := range 2 {
		if a.RecordViolation("alice", "security_blocked") {
			t.Fatalf("flagged after %d violations", i+1)
		}
	}
	if !a.RecordViolation("alice", "network_policy_violation") {
		t.Error("expected alice to be flagged at the threshold")
	}
	if a.RecordViolation("bob", "security_blocked") {
		t.Error("callers are tracked separately")
	}

	now = now.Add(2 * time.Minute)
	if a.RecordViolation("alice", "security_blocked") {
		t.Error("old violations should have left the window")
	}
}

// --- Wrappers ---

func TestInstrumentedToolCaller(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := interp.ToolCallerFunc(func(_ context.Context, server, tool string, _ map[string]any) (any, error) {
		if tool == "broken" {
			return nil, errors.New("boom")
		}
		return "ok", nil
	})
	c := NewInstrumentedToolCaller(inner, metrics, nil, nil)

	if v, err := c.CallTool(context.Background(), "demo", "echo", nil); err != nil || v != "ok" {
		t.Fatalf("CallTool = %v, %v", v, err)
	}
	if _, err := c.CallTool(context.Background(), "demo", "broken", nil); err == nil {
		t.Fatal("expected error")
	}

	if got := counterValue(t, metrics.Registry, "codexec_tool_calls_total", prometheus.Labels{"tool": "echo", "status": "success"}); got != 1 {
		t.Errorf("success calls = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "codexec_tool_calls_total", prometheus.Labels{"tool": "broken", "status": "error"}); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
}

type stubRunner struct{ out *sandbox.Outcome }

func (s stubRunner) Name() string { return "stub" }
func (s stubRunner) Run(context.Context, *sandbox.Job, interp.ToolCaller) (*sandbox.Outcome, error) {
	return s.out, nil
}

func TestInstrumentedRunner_CountsDenials(t *testing.T) {
	metrics := NewMetricsCollector()
	r := NewInstrumentedRunner(stubRunner{out: &sandbox.Outcome{Failure: &sandbox.Failure{
		Kind:   sandbox.KindNetworkPolicy,
		Policy: "network",
		Target: "evil.example:443",
	}}}, metrics, nil, nil)

	if r.Name() != "stub" {
		t.Errorf("Name = %q", r.Name())
	}
	out, err := r.Run(context.Background(), &sandbox.Job{ID: "x"}, nil)
	if err != nil || out.Succeeded() {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if got := counterValue(t, metrics.Registry, "codexec_security_policy_denials_total", prometheus.Labels{"policy": "network"}); got != 1 {
		t.Errorf("denials = %v, want 1", got)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum *dto.Metric
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			if sum == nil {
				sum = metric
			} else if sum.Counter != nil {
				v := sum.GetCounter().GetValue() + metric.GetCounter().GetValue()
				sum = &dto.Metric{Counter: &dto.Counter{Value: &v}}
			}
		}
		return sum
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
