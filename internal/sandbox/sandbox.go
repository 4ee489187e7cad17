// Package sandbox provides isolated execution environments for generated code.
// Every execution gets its own policy instances; nothing is shared between runs.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/codexec/internal/interp"
)

// Runner executes a job in an isolated environment.
//
// Run returns an error only when the environment itself could not be set up
// or broke down. Failures of the code (policy violations, exceptions,
// timeouts, exhausted limits) are reported in Outcome.Failure.
type Runner interface {
	Name() string
	Run(ctx context.Context, job *Job, tools interp.ToolCaller) (*Outcome, error)
}

// Job defines what to run and under what constraints.
type Job struct {
	ID   string `json:"id"`
	Code string `json:"code"`

	// Workspace is the root of the FileSystemPolicy; catalog modules live
	// under Workspace/servers.
	Workspace   string `json:"workspace"`
	AllowWrites bool   `json:"allow_writes"`

	// ReadOnly lists subtrees of Workspace that are never writable.
	ReadOnly []string `json:"read_only,omitempty"`

	// Allowlist holds the NetworkPolicy entries for this job.
	Allowlist []string `json:"allowlist"`

	Timeout time.Duration  `json:"timeout"`
	Limits  ResourceLimits `json:"limits"`
}

// ResourceLimits constrains one execution. Zero values use runner defaults.
type ResourceLimits struct {
	MaxCPUSeconds  int     `json:"max_cpu_seconds,omitempty"`
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxSteps       uint64  `json:"max_steps,omitempty"`
	MaxToolCalls   int     `json:"max_tool_calls,omitempty"`
	MaxOutputBytes int     `json:"max_output_bytes,omitempty"`
	ToolCallRate   float64 `json:"tool_call_rate,omitempty"`
}

// ErrorKind classifies why an execution did not succeed.
type ErrorKind string

const (
	KindSyntax           ErrorKind = "syntax_error"
	KindSecurityBlocked  ErrorKind = "security_blocked"
	KindNetworkPolicy    ErrorKind = "network_policy_violation"
	KindFileSystemPolicy ErrorKind = "filesystem_violation"
	KindTimeout          ErrorKind = "timeout"
	KindExecution        ErrorKind = "execution_exception"
	KindResourceLimit    ErrorKind = "resource_limit"
)

// Failure describes a failed execution.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Set for policy violations.
	Policy string `json:"policy,omitempty"`
	Target string `json:"target,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Backtrace is the interpreter call stack for execution exceptions.
	Backtrace string `json:"backtrace,omitempty"`
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }

// Outcome is the result of running a job.
type Outcome struct {
	Value           any               `json:"value"`
	HasValue        bool              `json:"has_value"`
	Output          string            `json:"output"`
	OutputTruncated bool              `json:"output_truncated,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	ToolCalls       []interp.ToolCall `json:"tool_calls,omitempty"`
	Steps           uint64            `json:"steps"`
	Failure         *Failure          `json:"failure,omitempty"`
	DurationMS      int64             `json:"duration_ms"`
}

// Succeeded reports whether the code ran to completion.
func (o *Outcome) Succeeded() bool { return o != nil && o.Failure == nil }

// Sentinel causes for limits enforced outside the interpreter.
var (
	ErrMemoryLimit = errors.New("memory limit exceeded")
	ErrCPULimit    = errors.New("cpu time limit exceeded")
	ErrWorkerDied  = errors.New("sandbox worker exited unexpectedly")
)

const (
	defaultTimeout     = 30 * time.Second
	defaultCPUSeconds  = 60
	defaultMemoryBytes = 512 << 20
)

func jobTimeout(job *Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return defaultTimeout
}
