// Package orchestrator drives the generate, validate and execute cycle: it
// hands a task and the tool catalog summary to an external code generator,
// runs the code through the executor and regenerates with feedback when an
// attempt fails in a way new code can fix.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/observability"
)

// ErrGeneration wraps failures of the code generator.
var ErrGeneration = errors.New("code generation failed")

// Executor runs generated code.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// CatalogSource hands out the current tool catalog, or nil when none is built.
type CatalogSource interface {
	Catalog() *catalog.Catalog
}

// Attempt records one generate and execute round.
type Attempt struct {
	Number int              `json:"number"`
	Code   string           `json:"code"`
	Result *executor.Result `json:"result,omitempty"`
	// GenerateError is set when the generator failed and nothing ran.
	GenerateError string `json:"generate_error,omitempty"`
}

// RetryHook is consulted before a failed attempt is retried. Returning false
// stops the loop with that attempt as the outcome.
type RetryHook func(ctx context.Context, failed Attempt) bool

// Outcome is the result of Loop.Run.
type Outcome struct {
	Task     string           `json:"task"`
	Success  bool             `json:"success"`
	Value    any              `json:"value"`
	HasValue bool             `json:"has_value"`
	Result   *executor.Result `json:"result,omitempty"`
	Attempts []Attempt        `json:"attempts"`
}

// UserMessage is the text shown to end users. Details stay in the logs and
// the audit trail.
func (o *Outcome) UserMessage() string {
	if o == nil || o.Result == nil {
		return executor.UserMessage(nil)
	}
	return o.Result.UserMessage()
}

// Retryable reports whether regenerating the code can fix a failure of this
// kind. Policy violations, timeouts and resource limits are final: the
// request itself wants something the sandbox will not allow.
func Retryable(kind executor.ErrorKind) bool {
	switch kind {
	case executor.KindSyntax, executor.KindSecurityBlocked, executor.KindExecution:
		return true
	default:
		return false
	}
}

// Loop is the orchestration loop.
type Loop struct {
	generator   CodeGenerator
	executor    Executor
	catalog     CatalogSource
	maxAttempts int
	timeout     time.Duration
	retryHook   RetryHook
	metrics     *observability.MetricsCollector
	tracer      *observability.Tracing
	logger      *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxAttempts sets how many times a task is generated. Minimum 1.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithRetryHook observes or vetoes retries.
func WithRetryHook(h RetryHook) Option {
	return func(l *Loop) { l.retryHook = h }
}

// WithExecutionTimeout overrides the executor's default wall-clock limit.
func WithExecutionTimeout(d time.Duration) Option {
	return func(l *Loop) { l.timeout = d }
}

// WithObservability attaches attempt metrics and tracing.
func WithObservability(obs *observability.Observability) Option {
	return func(l *Loop) {
		l.metrics = obs.MetricsOrNil()
		l.tracer = obs.TracerOrNil()
	}
}

// NewLoop creates an orchestration loop.
func NewLoop(gen CodeGenerator, exec Executor, cat CatalogSource, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Loop{
		generator:   gen,
		executor:    exec,
		catalog:     cat,
		maxAttempts: 2,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run completes task by generating and executing code. Failures of the code
// are reported in the Outcome; the error is non-nil when the generator fails
// or ctx ends.
func (l *Loop) Run(ctx context.Context, task string) (*Outcome, error) {
	ctx, end := l.tracer.Start(ctx, "orchestrator.run")
	out, err := l.run(ctx, task)
	end(err)
	return out, err
}

func (l *Loop) run(ctx context.Context, task string) (*Outcome, error) {
	tools := l.tools()
	out := &Outcome{Task: task}

	var feedback *Feedback
	for n := 1; n <= l.maxAttempts; n++ {
		req := GenerateRequest{
			Task:     task,
			Tools:    tools,
			Attempt:  n,
			Feedback: feedback,
		}
		req.Instructions = instructions(tools, feedback)

		code, err := l.generator.Generate(ctx, req)
		if err != nil {
			out.Attempts = append(out.Attempts, Attempt{Number: n, GenerateError: err.Error()})
			l.metrics.RecordAttempt("generation_error")
			l.logger.WarnContext(ctx, "code generation failed",
				slog.Int("attempt", n),
				slog.String("error", err.Error()),
			)
			return out, fmt.Errorf("%w: %w", ErrGeneration, err)
		}

		res, err := l.executor.Execute(ctx, executor.Request{Code: code, Timeout: l.timeout})
		if err != nil {
			return out, err
		}
		attempt := Attempt{Number: n, Code: code, Result: res}
		out.Attempts = append(out.Attempts, attempt)
		out.Result = res

		if res.Success {
			l.metrics.RecordAttempt("success")
			out.Success = true
			out.Value = res.Value
			out.HasValue = res.HasValue
			l.logger.InfoContext(ctx, "task completed",
				slog.Int("attempts", n),
				slog.String("execution_id", res.ID),
			)
			return out, nil
		}

		kind := res.Kind()
		l.metrics.RecordAttempt(string(kind))
		l.logger.WarnContext(ctx, "attempt failed",
			slog.Int("attempt", n),
			slog.String("execution_id", res.ID),
			slog.String("error_kind", string(kind)),
			slog.String("error", res.Error.Message),
		)

		if !Retryable(kind) || n == l.maxAttempts {
			break
		}
		if l.retryHook != nil && !l.retryHook(ctx, attempt) {
			l.logger.InfoContext(ctx, "retry declined by hook", slog.Int("attempt", n))
			break
		}
		feedback = feedbackFor(code, res)
	}
	return out, nil
}

func (l *Loop) tools() []catalog.ToolSummary {
	if l.catalog == nil {
		return nil
	}
	cat := l.catalog.Catalog()
	if cat == nil {
		return nil
	}
	return cat.Tools()
}

func instructions(tools []catalog.ToolSummary, feedback *Feedback) string {
	s := codegenInstructions + "\n\nTools:\n" + toolSummaryText(tools)
	if note := feedbackNote(feedback); note != "" {
		s += "\n" + note
	}
	return s
}

func feedbackFor(code string, res *executor.Result) *Feedback {
	return &Feedback{
		PreviousCode: code,
		Kind:         string(res.Kind()),
		Message:      res.Error.Message,
		Line:         res.Error.Line,
		Violations:   res.Violations,
		Stderr:       res.Stderr,
	}
}
