// Package executor is the entry point for running generated code: it
// validates the code, builds the per-call sandbox job, runs it through the
// configured runner and turns the outcome into a sanitized, typed result.
package executor

import (
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/observability"
	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/security"
)

// ErrorKind classifies a failed execution.
type ErrorKind = sandbox.ErrorKind

// Error kinds reported in Result.Error.
const (
	KindSyntax           = sandbox.KindSyntax
	KindSecurityBlocked  = sandbox.KindSecurityBlocked
	KindNetworkPolicy    = sandbox.KindNetworkPolicy
	KindFileSystemPolicy = sandbox.KindFileSystemPolicy
	KindTimeout          = sandbox.KindTimeout
	KindExecution        = sandbox.KindExecution
	KindResourceLimit    = sandbox.KindResourceLimit
)

// DefaultMaxConcurrent caps concurrent executions when no limit is configured.
const DefaultMaxConcurrent = 8

// Limits are the per-execution resource limits. Zero fields fall back to
// the executor defaults, then to the runner defaults.
type Limits = sandbox.ResourceLimits

// Request describes one execution.
type Request struct {
	Code    string        `json:"code"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Limits  Limits        `json:"limits"`
	// AllowHosts adds host:port entries to the network allow-list of this call only.
	AllowHosts []string `json:"allow_hosts,omitempty"`
	// UserID identifies the caller in logs and the audit trail.
	UserID string `json:"user_id,omitempty"`
}

// Error is the typed failure of an execution. Messages are sanitized.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Policy  string    `json:"policy,omitempty"`
	Target  string    `json:"target,omitempty"`
	Mode    string    `json:"mode,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	// Line is set for syntax errors and blocked code.
	Line int `json:"line,omitempty"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Result is the outcome of an execution.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	// Value is the plain form of _result; nil when unassigned or on failure.
	Value           any                  `json:"value"`
	HasValue        bool                 `json:"has_value"`
	Stdout          string               `json:"stdout"`
	Stderr          string               `json:"stderr,omitempty"`
	OutputTruncated bool                 `json:"output_truncated,omitempty"`
	Error           *Error               `json:"error,omitempty"`
	Violations      []security.Violation `json:"violations,omitempty"`
	Warnings        []security.Violation `json:"warnings,omitempty"`
	ToolCalls       []interp.ToolCall    `json:"tool_calls,omitempty"`
	Steps           uint64               `json:"steps,omitempty"`
	Runner          string               `json:"runner,omitempty"`
	DurationMS      int64                `json:"duration_ms"`
}

// Kind returns the error kind, or "" on success.
func (r *Result) Kind() ErrorKind {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// UserMessage is the text shown to end users: never a trace, only the
// kind of failure and its structured target.
func (r *Result) UserMessage() string {
	if r == nil {
		return "the requested operation could not be completed safely"
	}
	if r.Success {
		return "the requested operation completed"
	}
	return UserMessage(r.Error)
}

// UserMessage renders a failure for end users.
func UserMessage(e *Error) string {
	const prefix = "the requested operation could not be completed safely"
	if e == nil {
		return prefix
	}
	switch e.Kind {
	case KindNetworkPolicy:
		return prefix + ": network access to " + e.Target + " is not allowed"
	case KindFileSystemPolicy:
		return prefix + ": " + e.Mode + " access to " + e.Target + " is not allowed"
	case KindSecurityBlocked:
		return prefix + ": the generated code was blocked by security rules"
	case KindSyntax:
		return prefix + ": the generated code is not valid"
	case KindTimeout:
		return prefix + ": execution timed out"
	case KindResourceLimit:
		return prefix + ": a resource limit was exceeded"
	default:
		return prefix + " (" + string(e.Kind) + ")"
	}
}

// Executor runs generated code. It is safe for concurrent use; each call
// gets its own policies inside the runner.
type Executor struct {
	runner sandbox.Runner
	engine *security.Engine
	root   string
	logger *slog.Logger

	tools       interp.ToolCaller
	endpoints   func() []string
	allowlist   []string
	allowWrites bool
	timeout     time.Duration
	limits      Limits

	sem     *semaphore.Weighted
	audit   security.AuditStore
	metrics *observability.MetricsCollector
	anomaly *observability.AnomalyDetector
	tracer  *observability.Tracing
}

// Option configures an Executor.
type Option func(*Executor)

// WithToolCaller sets the host side of call_tool.
func WithToolCaller(tc interp.ToolCaller) Option {
	return func(e *Executor) { e.tools = tc }
}

// WithEndpoints sets the source of tool provider endpoints, consulted on
// every call so that providers added later are reachable.
func WithEndpoints(fn func() []string) Option {
	return func(e *Executor) { e.endpoints = fn }
}

// WithAllowlist adds configured internal services to every call's allow-list.
func WithAllowlist(entries ...string) Option {
	return func(e *Executor) { e.allowlist = append(e.allowlist, entries...) }
}

// WithAllowWrites lets executing code write inside the workspace.
func WithAllowWrites(allow bool) Option {
	return func(e *Executor) { e.allowWrites = allow }
}

// WithTimeout sets the default wall-clock limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLimits sets the default resource limits.
func WithLimits(l Limits) Option {
	return func(e *Executor) { e.limits = l }
}

// WithMaxConcurrent caps concurrent executions.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAuditStore records every execution.
func WithAuditStore(s security.AuditStore) Option {
	return func(e *Executor) { e.audit = s }
}

// WithObservability attaches metrics, tracing and anomaly detection. Any
// of them may be nil.
func WithObservability(obs *observability.Observability) Option {
	return func(e *Executor) {
		e.metrics = obs.MetricsOrNil()
		e.anomaly = obs.AnomalyOrNil()
		e.tracer = obs.TracerOrNil()
	}
}

// New creates an Executor. root is the workspace root: the filesystem
// boundary of executing code, with the catalog under root/servers.
func New(runner sandbox.Runner, engine *security.Engine, root string, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		runner: runner,
		engine: engine,
		root:   root,
		logger: logger,
		sem:    semaphore.NewWeighted(DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunnerName returns the name of the configured runner.
func (e *Executor) RunnerName() string { return e.runner.Name() }

// Validate runs static analysis without executing anything.
func (e *Executor) Validate(code string) *security.ValidationResult {
	res := e.engine.Validate(code)
	e.recordValidation(res)
	return res
}

func (e *Executor) recordValidation(res *security.ValidationResult) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case !res.SyntaxValid:
		result = "syntax_error"
	case res.Blocked:
		result = "blocked"
	case len(res.Warnings) > 0:
		result = "warn"
	}
	rules := make(map[string]string, len(res.Violations))
	for _, v := range res.Violations {
		rules[v.RuleID] = v.Severity.String()
	}
	e.metrics.RecordValidation(result, rules)
}
