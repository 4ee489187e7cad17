package sandbox

import (
	"context"
	"log/slog"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/policy"
)

// InProcessRunner runs code on a goroutine of the host process.
//
// Policies are bound to the interpreter of each run, so concurrent runs stay
// independent. The wall-clock timeout cancels the interpreter; the CPU and
// memory limits are not enforced. Use it for tests and trusted deployments.
type InProcessRunner struct {
	logger     *slog.Logger
	policyOpts []policy.Option
}

// NewInProcessRunner creates an in-process runner. Policy options (such as a
// custom resolver) are applied to every run.
func NewInProcessRunner(logger *slog.Logger, opts ...policy.Option) *InProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessRunner{logger: logger, policyOpts: opts}
}

func (r *InProcessRunner) Name() string { return "inprocess" }

// Run executes the job and returns its outcome.
func (r *InProcessRunner) Run(ctx context.Context, job *Job, tools interp.ToolCaller) (*Outcome, error) {
	logger := r.logger.With(slog.String("execution_id", job.ID), slog.String("runner", r.Name()))
	logger.Debug("sandbox executing", slog.Duration("timeout", jobTimeout(job)))

	out, err := execute(ctx, job, tools, logger, r.policyOpts...)
	if err != nil {
		return nil, err
	}
	logger.Debug("sandbox execution completed",
		slog.Bool("success", out.Succeeded()),
		slog.Int64("duration_ms", out.DurationMS),
	)
	return out, nil
}
