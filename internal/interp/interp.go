// Package interp runs generated Starlark code against a restricted surface.
//
// The only ways for executing code to reach the outside world are the
// predeclared builtins defined here: call_tool, open, fs, net and http. Each
// of them goes through the policy instances handed to Run, so two concurrent
// runs with different policies never observe each other.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/codexec/internal/policy"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"golang.org/x/time/rate"
)

// DefaultFilename is the name generated code is compiled under.
const DefaultFilename = "<generated>"

// Defaults applied when Config leaves a limit unset.
const (
	DefaultMaxSteps       uint64 = 50_000_000
	DefaultMaxOutputBytes        = 1 << 20
	DefaultMaxToolCalls          = 64
	DefaultHTTPTimeout           = 10 * time.Second
	maxReadBytes                 = 8 << 20
)

// ErrStepLimit is returned when the code exceeds its interpreter step budget.
var ErrStepLimit = errors.New("execution step limit exceeded")

// ErrToolCallLimit is returned when the code makes more tool calls than allowed.
var ErrToolCallLimit = errors.New("tool call limit exceeded")

// ToolCaller performs tool invocations on behalf of executing code.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// ToolCallerFunc adapts a function to ToolCaller.
type ToolCallerFunc func(ctx context.Context, server, tool string, args map[string]any) (any, error)

func (f ToolCallerFunc) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	return f(ctx, server, tool, args)
}

// ToolCall records one call_tool invocation.
type ToolCall struct {
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Config describes one run.
type Config struct {
	Code     string
	Filename string

	// Network and FileSystem must be active for the duration of the run.
	Network    *policy.NetworkPolicy
	FileSystem *policy.FileSystemPolicy
	Tools      ToolCaller

	MaxSteps       uint64
	MaxOutputBytes int
	MaxToolCalls   int
	// ToolCallRate limits call_tool per second; zero means unlimited.
	ToolCallRate  float64
	ToolCallBurst int
	HTTPTimeout   time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.ToolCallBurst <= 0 {
		c.ToolCallBurst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Outcome is what a run produced, successful or not.
type Outcome struct {
	// Value is the plain Go form of _result. It is nil when the code failed
	// or never assigned _result.
	Value           any        `json:"value"`
	HasValue        bool       `json:"has_value"`
	Output          string     `json:"output"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	Steps           uint64     `json:"steps"`
}

// run is the per-execution state reachable from builtins.
type run struct {
	ctx     context.Context
	cfg     *Config
	limiter *rate.Limiter

	mu        sync.Mutex
	output    strings.Builder
	truncated bool
	calls     []ToolCall
	files     []*file

	loader *loader
}

const runKey = "codexec.run"

func runFrom(thread *starlark.Thread) *run {
	r, _ := thread.Local(runKey).(*run)
	return r
}

// Run executes cfg.Code and returns its outcome. The returned error is the
// execution failure, if any; the outcome is always non-nil and carries the
// captured output and tool calls in both cases.
func Run(ctx context.Context, cfg Config) (*Outcome, error) {
	cfg.applyDefaults()

	r := &run{ctx: ctx, cfg: &cfg}
	if cfg.ToolCallRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.ToolCallRate), cfg.ToolCallBurst)
	}
	r.loader = newLoader(r)
	defer r.closeFiles()

	var stepLimitHit bool
	thread := &starlark.Thread{
		Name:  "codexec",
		Print: r.print,
		Load:  r.loader.load,
		OnMaxSteps: func(t *starlark.Thread) {
			stepLimitHit = true
			t.Cancel("too many steps")
		},
	}
	thread.SetLocal(runKey, r)
	thread.SetMaxExecutionSteps(cfg.MaxSteps)
	starlarktime.SetNow(thread, func() (time.Time, error) { return time.Now(), nil })

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFileOptions(FileOptions(), thread, cfg.Filename, cfg.Code, r.predeclared())

	out := r.outcome()
	out.Steps = thread.ExecutionSteps()

	switch {
	case stepLimitHit:
		return out, fmt.Errorf("%w after %d steps", ErrStepLimit, out.Steps)
	case ctx.Err() != nil:
		return out, ctx.Err()
	case err != nil:
		return out, err
	}

	if v, ok := globals[ResultVar]; ok {
		out.Value = ToGo(v)
		out.HasValue = true
	}
	return out, nil
}

func (r *run) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"call_tool": starlark.NewBuiltin("call_tool", callTool),
		"open":      starlark.NewBuiltin("open", openFile),
		"fs":        fsModule,
		"net":       netModule,
		"http":      httpModule,
		"json":      json.Module,
		"math":      math.Module,
		"time":      starlarktime.Module,
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

func (r *run) print(_ *starlark.Thread, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated {
		return
	}
	remaining := r.cfg.MaxOutputBytes - r.output.Len()
	line := msg + "\n"
	if len(line) > remaining {
		r.output.WriteString(line[:max(remaining, 0)])
		r.truncated = true
		return
	}
	r.output.WriteString(line)
}

func (r *run) outcome() *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]ToolCall, len(r.calls))
	copy(calls, r.calls)
	return &Outcome{
		Output:          r.output.String(),
		OutputTruncated: r.truncated,
		ToolCalls:       calls,
	}
}

func (r *run) closeFiles() {
	r.mu.Lock()
	files := r.files
	r.files = nil
	r.mu.Unlock()
	for _, f := range files {
		_ = f.close()
	}
}

// callTool implements call_tool(server, tool, args=None).
func callTool(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var server, tool string
	var params starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "server", &server, "tool", &tool, "args?", &params); err != nil {
		return nil, err
	}
	r := runFrom(thread)
	if r.cfg.Tools == nil {
		return nil, fmt.Errorf("call_tool: no tool backend is configured")
	}

	var argMap map[string]any
	switch p := params.(type) {
	case starlark.NoneType:
		argMap = map[string]any{}
	case *starlark.Dict:
		m, ok := ToGo(p).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("call_tool: args must be a dict")
		}
		argMap = m
	default:
		return nil, fmt.Errorf("call_tool: args must be a dict, got %s", params.Type())
	}

	r.mu.Lock()
	n := len(r.calls)
	r.mu.Unlock()
	if n >= r.cfg.MaxToolCalls {
		return nil, fmt.Errorf("call_tool: %w (%d)", ErrToolCallLimit, r.cfg.MaxToolCalls)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return nil, fmt.Errorf("call_tool: %w", err)
		}
	}

	start := time.Now()
	res, err := r.cfg.Tools.CallTool(r.ctx, server, tool, argMap)
	rec := ToolCall{Server: server, Tool: tool, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		rec.Error = err.Error()
	}
	r.mu.Lock()
	r.calls = append(r.calls, rec)
	r.mu.Unlock()

	r.cfg.Logger.Debug("tool call",
		slog.String("server", server),
		slog.String("tool", tool),
		slog.Int64("duration_ms", rec.DurationMS),
		slog.Bool("failed", err != nil),
	)
	if err != nil {
		return nil, fmt.Errorf("call_tool %s.%s: %w", server, tool, err)
	}
	return FromGo(res)
}
