package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/sandbox"
)

// --- InstrumentedToolCaller ---

// InstrumentedToolCaller wraps the host-side tool dispatcher with metrics,
// tracing, and anomaly detection.
type InstrumentedToolCaller struct {
	inner   interp.ToolCaller
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedToolCaller wraps a tool caller with observability.
func NewInstrumentedToolCaller(inner interp.ToolCaller, metrics *MetricsCollector, ts *Tracing, anomaly *AnomalyDetector) *InstrumentedToolCaller {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedToolCaller{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (c *InstrumentedToolCaller) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "tool.call",
			trace.WithAttributes(
				attribute.String("tool.server", server),
				attribute.String("tool.name", tool),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := c.inner.CallTool(ctx, server, tool, args)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if c.metrics != nil {
		c.metrics.ToolCallsTotal.WithLabelValues(server, tool, status).Inc()
		c.metrics.ToolCallDuration.WithLabelValues(server).Observe(duration)
	}

	if c.anomaly != nil {
		if err != nil {
			c.anomaly.RecordError("tool_" + server)
		} else {
			c.anomaly.RecordSuccess("tool_" + server)
		}
	}

	return res, err
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with tracing, policy denial
// counts, and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *Tracing, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Name() string { return r.inner.Name() }

func (r *InstrumentedRunner) Run(ctx context.Context, job *sandbox.Job, tools interp.ToolCaller) (*sandbox.Outcome, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.runner", r.inner.Name()),
				attribute.String("execution.id", job.ID),
			))
		defer span.End()
	}

	out, err := r.inner.Run(ctx, job, tools)

	op := "sandbox_" + r.inner.Name()
	switch {
	case err != nil:
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.anomaly.RecordError(op)
	case out.Failure != nil:
		if span != nil {
			span.SetAttributes(attribute.String("execution.error_kind", string(out.Failure.Kind)))
		}
		if out.Failure.Policy != "" {
			r.metrics.RecordPolicyDenial(out.Failure.Policy)
		}
		r.anomaly.RecordSuccess(op)
	default:
		r.anomaly.RecordSuccess(op)
	}
	return out, err
}

// --- Compile-time interface checks ---

var (
	_ interp.ToolCaller = (*InstrumentedToolCaller)(nil)
	_ sandbox.Runner    = (*InstrumentedRunner)(nil)
)
