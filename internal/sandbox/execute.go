package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/policy"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// execute runs job in the current process: it builds fresh policies from the
// job, activates them, runs the interpreter and deactivates them before
// returning, whatever the outcome.
func execute(ctx context.Context, job *Job, tools interp.ToolCaller, logger *slog.Logger, opts ...policy.Option) (*Outcome, error) {
	start := time.Now()
	opts = append([]policy.Option{policy.WithLogger(logger)}, opts...)

	np, err := policy.NewNetworkPolicy(job.Allowlist, opts...)
	if err != nil {
		return nil, fmt.Errorf("building network policy: %w", err)
	}
	fp, err := policy.NewFileSystemPolicy(job.Workspace, job.AllowWrites, append(opts, policy.WithReadOnly(job.ReadOnly...))...)
	if err != nil {
		return nil, fmt.Errorf("building filesystem policy: %w", err)
	}

	if err := np.Activate(); err != nil {
		return nil, err
	}
	defer np.Deactivate()
	if err := fp.Activate(); err != nil {
		return nil, err
	}
	defer fp.Deactivate()

	runCtx, cancel := context.WithTimeout(ctx, jobTimeout(job))
	defer cancel()

	res, runErr := interp.Run(runCtx, interp.Config{
		Code:           job.Code,
		Network:        np,
		FileSystem:     fp,
		Tools:          tools,
		MaxSteps:       job.Limits.MaxSteps,
		MaxOutputBytes: job.Limits.MaxOutputBytes,
		MaxToolCalls:   job.Limits.MaxToolCalls,
		ToolCallRate:   job.Limits.ToolCallRate,
		Logger:         logger,
	})

	out := &Outcome{
		Output:          res.Output,
		OutputTruncated: res.OutputTruncated,
		ToolCalls:       res.ToolCalls,
		Steps:           res.Steps,
	}
	if runErr != nil {
		out.Failure = classify(runCtx, runErr, np, fp, jobTimeout(job))
	} else {
		out.Value = res.Value
		out.HasValue = res.HasValue
	}
	out.DurationMS = time.Since(start).Milliseconds()
	return out, nil
}

// classify turns an interpreter error into a Failure.
func classify(ctx context.Context, err error, np *policy.NetworkPolicy, fp *policy.FileSystemPolicy, timeout time.Duration) *Failure {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrMemoryLimit), errors.Is(cause, ErrCPULimit):
		return &Failure{Kind: KindResourceLimit, Message: cause.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindTimeout, Message: fmt.Sprintf("execution timed out after %s", timeout)}
	case errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Message: "execution was cancelled"}
	}

	var nv *policy.NetworkViolation
	var fv *policy.FileSystemViolation
	switch {
	case errors.As(err, &nv):
		return networkFailure(nv)
	case errors.As(err, &fv):
		return fileSystemFailure(fv)
	}
	// A violation whose error was not propagated unchanged is still the reason
	// the code stopped.
	if v := np.FirstDenial(); v != nil {
		if nv, ok := v.(*policy.NetworkViolation); ok {
			return networkFailure(nv)
		}
	}
	if v := fp.FirstDenial(); v != nil {
		if fv, ok := v.(*policy.FileSystemViolation); ok {
			return fileSystemFailure(fv)
		}
	}

	switch {
	case errors.Is(err, interp.ErrStepLimit), errors.Is(err, interp.ErrToolCallLimit):
		return &Failure{Kind: KindResourceLimit, Message: err.Error()}
	}

	var serr syntax.Error
	if errors.As(err, &serr) {
		return &Failure{Kind: KindSyntax, Message: serr.Error()}
	}

	f := &Failure{Kind: KindExecution, Message: err.Error()}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		f.Message = evalErr.Msg
		f.Backtrace = evalErr.Backtrace()
	}
	return f
}

func networkFailure(v *policy.NetworkViolation) *Failure {
	return &Failure{
		Kind:    KindNetworkPolicy,
		Message: v.Error(),
		Policy:  v.Policy(),
		Target:  v.Target(),
		Reason:  v.Reason,
	}
}

func fileSystemFailure(v *policy.FileSystemViolation) *Failure {
	return &Failure{
		Kind:    KindFileSystemPolicy,
		Message: v.Error(),
		Policy:  v.Policy(),
		Target:  v.Target(),
		Mode:    v.Mode.String(),
		Reason:  v.Reason,
	}
}
