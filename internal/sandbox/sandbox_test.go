package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerEnv = "CODEXEC_SANDBOX_WORKER"

// TestMain turns the test binary into a sandbox worker when the process
// runner re-executes it.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		if err := RunWorker(context.Background(), os.Stdin, os.Stdout, logger); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProcessRunner(t *testing.T) *ProcessRunner {
	t.Helper()
	r, err := NewProcessRunner(ProcessConfig{
		Command: []string{os.Args[0]},
		Env:     map[string]string{workerEnv: "1"},
	}, quietLogger())
	require.NoError(t, err)
	return r
}

func runners(t *testing.T) []Runner {
	return []Runner{NewInProcessRunner(quietLogger()), newProcessRunner(t)}
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "servers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.txt"), []byte("payload"), 0o644))
	return root
}

func newJob(t *testing.T, code string) *Job {
	return &Job{
		ID:        t.Name(),
		Code:      code,
		Workspace: newWorkspace(t),
		Timeout:   10 * time.Second,
	}
}

var mathTools = interp.ToolCallerFunc(func(_ context.Context, server, tool string, args map[string]any) (any, error) {
	if server != "calc" || tool != "add" {
		return nil, errors.New("no such tool")
	}
	a, _ := args["a"].(int64)
	b, _ := args["b"].(int64)
	return map[string]any{"sum": a + b, "inputs": []any{a, b}}, nil
})

func TestRunners_Success(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "print(\"working\")\n_result = {\"data\": fs.read(\"data.txt\"), \"n\": 2 + 2}\n")

			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.True(t, out.Succeeded(), "%+v", out.Failure)
			assert.True(t, out.HasValue)
			assert.Equal(t, map[string]any{"data": "payload", "n": int64(4)}, out.Value)
			assert.Equal(t, "working\n", out.Output)
		})
	}
}

func TestRunners_ToolCalls(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "_result = call_tool(\"calc\", \"add\", {\"a\": 2, \"b\": 40})\n")

			out, err := r.Run(t.Context(), job, mathTools)
			require.NoError(t, err)
			require.True(t, out.Succeeded(), "%+v", out.Failure)
			assert.Equal(t, map[string]any{"sum": int64(42), "inputs": []any{int64(2), int64(40)}}, out.Value)
			require.Len(t, out.ToolCalls, 1)
			assert.Equal(t, "add", out.ToolCalls[0].Tool)
		})
	}
}

func TestRunners_NetworkViolation(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "net.connect(\"198.51.100.7\", 443)\n_result = 1\n")
			job.Allowlist = []string{"tools.internal:8080"}

			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, KindNetworkPolicy, out.Failure.Kind)
			assert.Equal(t, "network", out.Failure.Policy)
			assert.Equal(t, "198.51.100.7:443", out.Failure.Target)
			assert.False(t, out.HasValue)
		})
	}
}

func TestRunners_FileSystemViolation(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "_result = open(\"/etc/passwd\").read()\n")

			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, KindFileSystemPolicy, out.Failure.Kind)
			assert.Equal(t, "/etc/passwd", out.Failure.Target)
			assert.Equal(t, "read", out.Failure.Mode)
			assert.Nil(t, out.Value)
		})
	}
}

func TestRunners_Timeout(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "_result = 1\nwhile True:\n    pass\n")
			job.Timeout = 300 * time.Millisecond
			job.Limits.MaxSteps = 1 << 62

			start := time.Now()
			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, KindTimeout, out.Failure.Kind)
			assert.False(t, out.HasValue)
			assert.Nil(t, out.Value)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestRunners_StepLimit(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "x = 0\nwhile True:\n    x += 1\n")
			job.Limits.MaxSteps = 5000

			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, KindResourceLimit, out.Failure.Kind)
		})
	}
}

func TestRunners_Exception(t *testing.T) {
	for _, r := range runners(t) {
		t.Run(r.Name(), func(t *testing.T) {
			job := newJob(t, "def f(d):\n    return d[\"missing\"]\n_result = f({})\n")

			out, err := r.Run(t.Context(), job, nil)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, KindExecution, out.Failure.Kind)
			assert.Contains(t, out.Failure.Message, "missing")
			assert.Contains(t, out.Failure.Backtrace, "in f")
		})
	}
}

func TestProcessRunner_MemoryLimit(t *testing.T) {
	r := newProcessRunner(t)
	job := newJob(t, "x = []\nfor i in range(10000000):\n    x.append(\"a\" * 4096)\n_result = len(x)\n")
	job.Limits.MaxMemoryBytes = 64 << 20
	job.Timeout = 30 * time.Second

	out, err := r.Run(t.Context(), job, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Failure)
	assert.Equal(t, KindResourceLimit, out.Failure.Kind)
	assert.False(t, out.HasValue)
}

func TestProcessRunner_BrokenWorker(t *testing.T) {
	r, err := NewProcessRunner(ProcessConfig{Command: []string{"/bin/sh", "-c", "exit 3"}}, quietLogger())
	require.NoError(t, err)

	out, err := r.Run(t.Context(), newJob(t, "_result = 1"), nil)
	require.NoError(t, err)
	require.NotNil(t, out.Failure)
	assert.Equal(t, KindExecution, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, ErrWorkerDied.Error())
}

func TestInProcessRunner_ConcurrentRunsAreIndependent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("ok"))
			_ = c.Close()
		}
	}()
	addr := ln.Addr().String()
	_, port, _ := net.SplitHostPort(addr)

	r := NewInProcessRunner(quietLogger())
	code := "_result = net.connect(\"127.0.0.1\", " + port + ")\n"

	jobs := make([]*Job, 20)
	for i := range jobs {
		jobs[i] = newJob(t, code)
		if i%2 == 0 {
			jobs[i].Allowlist = []string{addr}
		}
	}

	var wg sync.WaitGroup
	results := make([]*Outcome, len(jobs))
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Run(context.Background(), job, nil)
			if err == nil {
				results[i] = out
			}
		}()
	}
	wg.Wait()

	for i, out := range results {
		require.NotNil(t, out, i)
		if i%2 == 0 {
			assert.True(t, out.Succeeded(), "run %d: %+v", i, out.Failure)
			assert.Equal(t, "ok", out.Value)
		} else {
			require.NotNil(t, out.Failure, i)
			assert.Equal(t, KindNetworkPolicy, out.Failure.Kind)
		}
	}
}

func TestInProcessRunner_PolicyOptions(t *testing.T) {
	var denied []policy.Violation
	var mu sync.Mutex
	r := NewInProcessRunner(quietLogger(), policy.WithDenialHandler(func(v policy.Violation) {
		mu.Lock()
		denied = append(denied, v)
		mu.Unlock()
	}))

	out, err := r.Run(t.Context(), newJob(t, `fs.read("../outside.txt")`), nil)
	require.NoError(t, err)
	assert.Equal(t, KindFileSystemPolicy, out.Failure.Kind)
	require.Len(t, denied, 1)
	assert.Equal(t, "filesystem", denied[0].Policy())
}

func TestRunners_InvalidJob(t *testing.T) {
	job := newJob(t, "_result = 1")
	job.Allowlist = []string{"not-an-endpoint"}
	_, err := NewInProcessRunner(quietLogger()).Run(t.Context(), job, nil)
	assert.Error(t, err)

	job = newJob(t, "_result = 1")
	job.Workspace = filepath.Join(job.Workspace, "missing")
	_, err = NewInProcessRunner(quietLogger()).Run(t.Context(), job, nil)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	r := newFrameReader(strings.NewReader(`{"type":"outcome","outcome":{"value":{"a":1,"b":[2.5,"x",3]},"has_value":true}}` + "\n"))
	f, err := r.read()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": []any{2.5, "x", int64(3)}}, f.Outcome.Value)

	_, err = newFrameReader(strings.NewReader(`{"type":"bogus"}`)).read()
	assert.Error(t, err)
}

func TestLimitedWriter(t *testing.T) {
	var sink bytes.Buffer
	w := &limitedWriter{w: &sink, remaining: 5}
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	n, err = w.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "hello", sink.String())
}
