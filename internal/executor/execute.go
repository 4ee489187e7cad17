package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/workspace"
)

// catalogDirs are shared by every execution and never writable by code.
var catalogDirs = []string{workspace.ServersDirName, workspace.GenerationsDirName}

// Execute validates and runs req.Code. Failures of the code are reported in
// the Result; the error is non-nil only when ctx ends before the execution
// could start.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	id := uuid.NewString()
	if req.UserID == "" {
		req.UserID = tools.UserIDFromContext(ctx)
	}

	ctx, end := e.tracer.Start(ctx, "executor.execute",
		attribute.String("execution.id", id),
		attribute.String("execution.runner", e.runner.Name()),
	)
	res, err := e.execute(ctx, id, req)
	if err != nil {
		end(err)
		return nil, err
	}
	res.DurationMS = time.Since(start).Milliseconds()
	if res.Error != nil {
		end(res.Error)
	} else {
		end(nil)
	}

	e.record(ctx, req, res, time.Since(start))
	return res, nil
}

func (e *Executor) execute(ctx context.Context, id string, req Request) (*Result, error) {
	res := &Result{ID: id, Runner: e.runner.Name()}

	validation := e.Validate(req.Code)
	res.Warnings = validation.Warnings
	if validation.Blocked {
		res.Violations = validation.BlockingViolations()
		res.Error = blockedError(validation)
		return res, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for an execution slot: %w", err)
	}
	defer e.sem.Release(1)
	done := e.metrics.ExecutionStarted()
	defer done()

	job := &sandbox.Job{
		ID:          id,
		Code:        req.Code,
		Workspace:   e.root,
		AllowWrites: e.allowWrites,
		ReadOnly:    catalogDirs,
		Allowlist:   e.allowlistFor(req),
		Timeout:     req.Timeout,
		Limits:      mergeLimits(req.Limits, e.limits),
	}
	if job.Timeout <= 0 {
		job.Timeout = e.timeout
	}

	out, err := e.runner.Run(ctx, job, e.tools)
	if err != nil {
		e.logger.ErrorContext(ctx, "sandbox failed",
			slog.String("execution_id", id),
			slog.String("runner", e.runner.Name()),
			slog.String("error", err.Error()),
		)
		res.Error = &Error{Kind: KindExecution, Message: "the sandbox could not run the code"}
		return res, nil
	}

	res.Stdout = out.Output
	res.Stderr = e.sanitize(out.Stderr)
	res.OutputTruncated = out.OutputTruncated
	res.ToolCalls = out.ToolCalls
	res.Steps = out.Steps
	if out.Failure != nil {
		res.Error = e.failureError(out.Failure)
		if out.Failure.Backtrace != "" {
			e.logger.DebugContext(ctx, "execution backtrace",
				slog.String("execution_id", id),
				slog.String("backtrace", out.Failure.Backtrace),
			)
		}
		return res, nil
	}
	res.Success = true
	res.Value = out.Value
	res.HasValue = out.HasValue
	return res, nil
}

// allowlistFor is provider endpoints, then configured services, then the
// request's extras, deduplicated.
func (e *Executor) allowlistFor(req Request) []string {
	var out []string
	add := func(entries []string) {
		for _, entry := range entries {
			entry = strings.TrimSpace(entry)
			if entry != "" && !slices.Contains(out, entry) {
				out = append(out, entry)
			}
		}
	}
	if e.endpoints != nil {
		add(e.endpoints())
	}
	add(e.allowlist)
	add(req.AllowHosts)
	return out
}

func mergeLimits(req, def Limits) Limits {
	if req.MaxCPUSeconds == 0 {
		req.MaxCPUSeconds = def.MaxCPUSeconds
	}
	if req.MaxMemoryBytes == 0 {
		req.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = def.MaxSteps
	}
	if req.MaxToolCalls == 0 {
		req.MaxToolCalls = def.MaxToolCalls
	}
	if req.MaxOutputBytes == 0 {
		req.MaxOutputBytes = def.MaxOutputBytes
	}
	if req.ToolCallRate == 0 {
		req.ToolCallRate = def.ToolCallRate
	}
	return req
}

func blockedError(v *security.ValidationResult) *Error {
	blocking := v.BlockingViolations()
	first := blocking[0]
	msg := first.Message
	if len(blocking) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(blocking)-1)
	}
	kind := KindSecurityBlocked
	if !v.SyntaxValid {
		kind = KindSyntax
	}
	return &Error{Kind: kind, Message: msg, Reason: first.RuleID, Line: first.Line}
}

func (e *Executor) failureError(f *sandbox.Failure) *Error {
	return &Error{
		Kind:    f.Kind,
		Message: e.sanitize(f.Message),
		Policy:  f.Policy,
		Target:  e.sanitize(f.Target),
		Mode:    f.Mode,
		Reason:  f.Reason,
	}
}

// record writes the audit event, metrics and the summary log line.
func (e *Executor) record(ctx context.Context, req Request, res *Result, d time.Duration) {
	result := "success"
	kind := ""
	if res.Error != nil {
		kind = string(res.Error.Kind)
		result = "failure"
		if res.Error.Kind == KindSecurityBlocked || res.Error.Kind == KindSyntax {
			result = "blocked"
		}
	}

	label := "success"
	if kind != "" {
		label = kind
	}
	e.metrics.RecordExecution(e.runner.Name(), label, d)

	switch res.Kind() {
	case KindSecurityBlocked, KindNetworkPolicy, KindFileSystemPolicy:
		e.anomaly.RecordViolation(req.UserID, kind)
	}

	if e.audit != nil {
		event := security.AuditEvent{
			Timestamp:   time.Now().UTC(),
			ExecutionID: res.ID,
			UserID:      req.UserID,
			Action:      "execute",
			Result:      result,
			ErrorKind:   kind,
			CodeSHA256:  security.CodeDigest(req.Code),
			Violations:  res.Violations,
			ToolCalls:   len(res.ToolCalls),
			DurationMS:  res.DurationMS,
		}
		if res.Error != nil {
			event.Error = res.Error.Message
			event.Policy = res.Error.Policy
			event.Target = res.Error.Target
		}
		if err := e.audit.Append(ctx, event); err != nil {
			e.logger.WarnContext(ctx, "recording execution audit event",
				slog.String("execution_id", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	attrs := []any{
		slog.String("execution_id", res.ID),
		slog.String("runner", res.Runner),
		slog.Bool("success", res.Success),
		slog.Int("tool_calls", len(res.ToolCalls)),
		slog.Int("warnings", len(res.Warnings)),
		slog.Duration("duration", d),
	}
	if req.UserID != "" {
		attrs = append(attrs, slog.String("user_id", req.UserID))
	}
	if res.Error != nil {
		attrs = append(attrs, slog.String("error_kind", kind), slog.String("error", res.Error.Message))
		if res.Error.Target != "" {
			attrs = append(attrs, slog.String("target", res.Error.Target))
		}
		e.logger.WarnContext(ctx, "code execution failed", attrs...)
		return
	}
	e.logger.InfoContext(ctx, "code executed", attrs...)
}
