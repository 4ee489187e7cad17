package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jkaninda/codexec/internal/interp"
	"golang.org/x/sys/unix"
)

const (
	// maxStderrBytes caps worker stderr to prevent OOM from chatty workers.
	maxStderrBytes = 64 << 10

	// killGrace is how long the host waits past the job timeout for the
	// worker to report its own timeout before killing it.
	killGrace = time.Second

	// WorkerCommand is the hidden CLI command that runs RunWorker.
	WorkerCommand = "sandbox-worker"
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	// Command starts a worker. Defaults to the current executable followed
	// by WorkerCommand.
	Command []string
	// Env adds variables to the worker's sanitized environment.
	Env map[string]string
}

// ProcessRunner executes each job in a fresh worker process.
//
// Security guarantees:
//   - One process per execution, in its own process group
//   - Entire process group killed on timeout or cancel
//   - No environment inheritance from the host, only a minimal safe set
//   - CPU, address space, open file and file size rlimits set by the worker
//   - Worker stderr capped
type ProcessRunner struct {
	command []string
	env     map[string]string
	logger  *slog.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) (*ProcessRunner, error) {
	command := cfg.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		command = []string{exe, WorkerCommand}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{command: command, env: cfg.Env, logger: logger}, nil
}

func (r *ProcessRunner) Name() string { return "process" }

// Run starts a worker, hands it the job, serves its tool calls and returns
// the outcome it reports.
func (r *ProcessRunner) Run(ctx context.Context, job *Job, tools interp.ToolCaller) (*Outcome, error) {
	logger := r.logger.With(slog.String("execution_id", job.ID), slog.String("runner", r.Name()))
	timeout := jobTimeout(job)

	// 1. Hard deadline: the worker enforces the timeout itself; this one
	// only fires if it does not.
	hardCtx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	// 2. Isolated temp directory for the worker's cwd and HOME.
	tmpDir, err := os.MkdirTemp("", "codexec-worker-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	cmd := exec.CommandContext(hardCtx, r.command[0], r.command[1:]...)
	cmd.Dir = tmpDir
	cmd.Env = r.buildEnv(tmpDir)

	// 3. Process group isolation, killed as a whole.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxStderrBytes}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	logger.Info("sandbox executing",
		slog.Duration("timeout", timeout),
		slog.Int("cpu_limit_sec", cpuLimit(job.Limits)),
		slog.Int64("memory_limit_bytes", memoryLimit(job.Limits)),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sandbox worker: %w", err)
	}

	// 4. Speak the frame protocol until the worker reports an outcome.
	outcome, protoErr := r.serve(hardCtx, job, tools, stdin, stdout)
	_ = stdin.Close()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	// 5. Interpret the result.
	switch {
	case outcome != nil:
	case hardCtx.Err() != nil && ctx.Err() == nil:
		logger.Warn("sandbox worker killed after timeout",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		outcome = &Outcome{Failure: &Failure{Kind: KindTimeout, Message: fmt.Sprintf("execution timed out after %s", timeout)}}
	case ctx.Err() != nil:
		outcome = &Outcome{Failure: &Failure{Kind: KindTimeout, Message: "execution was cancelled"}}
	case signaled(waitErr):
		outcome = &Outcome{Failure: &Failure{
			Kind:    KindResourceLimit,
			Message: fmt.Sprintf("sandbox worker terminated: %v", waitErr),
		}}
	default:
		msg := ErrWorkerDied.Error()
		if protoErr != nil {
			msg += ": " + protoErr.Error()
		}
		outcome = &Outcome{Failure: &Failure{Kind: KindExecution, Message: msg}}
	}
	outcome.Stderr = stderr.String()
	outcome.DurationMS = duration.Milliseconds()

	logger.Info("sandbox execution completed",
		slog.Bool("success", outcome.Succeeded()),
		slog.Duration("duration", duration),
		slog.Int("stderr_bytes", stderr.Len()),
	)
	return outcome, nil
}

func (r *ProcessRunner) serve(ctx context.Context, job *Job, tools interp.ToolCaller, stdin io.Writer, stdout io.Reader) (*Outcome, error) {
	writer := newFrameWriter(stdin)
	reader := newFrameReader(stdout)

	if err := writer.write(frame{Type: frameJob, Job: job}); err != nil {
		return nil, fmt.Errorf("sending job: %w", err)
	}
	for {
		f, err := reader.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("worker closed its output without an outcome")
			}
			return nil, err
		}
		switch f.Type {
		case frameOutcome:
			if f.Outcome == nil {
				return nil, errors.New("empty outcome frame")
			}
			return f.Outcome, nil
		case frameToolCall:
			if f.Call == nil {
				continue
			}
			res := r.callTool(ctx, tools, f.Call)
			if err := writer.write(frame{Type: frameToolResult, Result: res}); err != nil {
				return nil, fmt.Errorf("sending tool result: %w", err)
			}
		}
	}
}

func (r *ProcessRunner) callTool(ctx context.Context, tools interp.ToolCaller, call *toolCallFrame) *toolResultFrame {
	res := &toolResultFrame{ID: call.ID}
	if tools == nil {
		res.Error = "no tool backend is configured"
		return res
	}
	v, err := tools.CallTool(ctx, call.Server, call.Tool, call.Args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Value = v
	return res
}

// signaled reports whether the worker was terminated by a signal, which is
// how the kernel enforces the CPU and address space limits.
func signaled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}

// buildEnv constructs a minimal, safe environment.
// The host's environment is never inherited, so API keys and credentials
// cannot leak into the worker.
func (r *ProcessRunner) buildEnv(tmpDir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range r.env {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
