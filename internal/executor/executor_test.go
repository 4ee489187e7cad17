package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/workspace"
)

type memoryAudit struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (m *memoryAudit) Append(_ context.Context, ev security.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryAudit) all() []security.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]security.AuditEvent(nil), m.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hasRule(vs []security.Violation, id string) bool {
	for _, v := range vs {
		if v.RuleID == id {
			return true
		}
	}
	return false
}

func newExecutor(t *testing.T, opts ...Option) (*Executor, string) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "notes.txt"), []byte("hello"), 0o644))

	engine := security.NewEngine(security.DefaultRules(security.RuleConfig{}))
	runner := sandbox.NewInProcessRunner(quietLogger())
	opts = append([]Option{WithTimeout(10 * time.Second)}, opts...)
	return New(runner, engine, ws.Root, quietLogger(), opts...), ws.Root
}

func TestExecute_ReturnsResult(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(t.Context(), Request{Code: "_result = 2 + 2\n"})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)
	assert.True(t, res.HasValue)
	assert.Equal(t, int64(4), res.Value)
	assert.Nil(t, res.Error)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "inprocess", res.Runner)
}

func TestExecute_NoResultIsSuccess(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(t.Context(), Request{Code: "print(fs.read(\"notes.txt\"))\n"})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)
	assert.False(t, res.HasValue)
	assert.Nil(t, res.Value)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.True(t, hasRule(res.Warnings, security.RuleResultUnassigned))
}

func TestExecute_BlockedCodeNeverRuns(t *testing.T) {
	audit := &memoryAudit{}
	e, root := newExecutor(t, WithAllowWrites(true), WithAuditStore(audit))

	code := "fs.write(\"marker.txt\", \"ran\")\nos.system(\"ls\")\n_result = 1\n"
	res, err := e.Execute(t.Context(), Request{Code: code, UserID: "alice"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, KindSecurityBlocked, res.Kind())
	assert.Equal(t, security.RuleDangerousCall, res.Error.Reason)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, security.RuleDangerousCall, res.Violations[0].RuleID)
	assert.NoFileExists(t, filepath.Join(root, "marker.txt"))

	events := audit.all()
	require.Len(t, events, 1)
	assert.Equal(t, "blocked", events[0].Result)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, security.CodeDigest(code), events[0].CodeSHA256)
	assert.Equal(t, res.ID, events[0].ExecutionID)
}

func TestExecute_SyntaxError(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(t.Context(), Request{Code: "def broken(:\n    pass\n"})
	require.NoError(t, err)
	assert.Equal(t, KindSyntax, res.Kind())
	assert.Equal(t, 1, res.Error.Line)
	assert.Empty(t, res.ToolCalls)

	res, err = e.Execute(t.Context(), Request{Code: "import os\nos.system(\"ls\")\n"})
	require.NoError(t, err)
	assert.Equal(t, KindSyntax, res.Kind())
	assert.Equal(t, security.RuleDangerousImport, res.Error.Reason)
	assert.Contains(t, res.Error.Message, `"os"`)
}

func TestExecute_NetworkViolation(t *testing.T) {
	e, _ := newExecutor(t, WithAllowlist("tools.internal:8974"))

	res, err := e.Execute(t.Context(), Request{Code: "net.connect(\"evil.example.com\", 80)\n_result = 1\n"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindNetworkPolicy, res.Kind())
	assert.Equal(t, "network", res.Error.Policy)
	assert.Equal(t, "evil.example.com:80", res.Error.Target)
	assert.Nil(t, res.Value)
	assert.Equal(t,
		"the requested operation could not be completed safely: network access to evil.example.com:80 is not allowed",
		res.UserMessage())
}

func TestAllowlistFor(t *testing.T) {
	e, _ := newExecutor(t,
		WithEndpoints(func() []string { return []string{"mcp.internal:9000"} }),
		WithAllowlist("tools.internal:8974", "mcp.internal:9000"),
	)
	seen := e.allowlistFor(Request{AllowHosts: []string{" extra.internal:443 ", "tools.internal:8974"}})
	assert.Equal(t, []string{"mcp.internal:9000", "tools.internal:8974", "extra.internal:443"}, seen)
}

func TestExecute_FileSystemViolation(t *testing.T) {
	e, root := newExecutor(t)

	res, err := e.Execute(t.Context(), Request{Code: "_result = open(\"../../etc/passwd\").read()\n"})
	require.NoError(t, err)
	assert.Equal(t, KindFileSystemPolicy, res.Kind())
	assert.Equal(t, "filesystem", res.Error.Policy)
	assert.Equal(t, "read", res.Error.Mode)
	assert.NotContains(t, res.Error.Message, root)
	assert.NotContains(t, res.Error.Target, root)
	assert.Nil(t, res.Value)

	// Policies end with the execution.
	outside := filepath.Join(t.TempDir(), "host.txt")
	require.NoError(t, os.WriteFile(outside, []byte("host"), 0o644))
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "host", string(data))
}

func TestExecute_WritesNeedPermission(t *testing.T) {
	e, root := newExecutor(t)
	res, err := e.Execute(t.Context(), Request{Code: "fs.write(\"out.txt\", \"x\")\n"})
	require.NoError(t, err)
	assert.Equal(t, KindFileSystemPolicy, res.Kind())
	assert.Equal(t, "write", res.Error.Mode)
	assert.NoFileExists(t, filepath.Join(root, "out.txt"))

	e, root = newExecutor(t, WithAllowWrites(true))
	res, err = e.Execute(t.Context(), Request{Code: "fs.write(\"out.txt\", \"x\")\n_result = fs.read(\"out.txt\")\n"})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, "x", res.Value)
	assert.FileExists(t, filepath.Join(root, "out.txt"))
}

func TestExecute_CatalogIsReadOnly(t *testing.T) {
	e, root := newExecutor(t, WithAllowWrites(true))
	gen := filepath.Join(root, workspace.GenerationsDirName, "gen-1", "demo")
	require.NoError(t, os.MkdirAll(gen, 0o750))
	module := "def get_transcript():\n    return \"original\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(gen, "get_transcript.star"), []byte(module), 0o640))
	require.NoError(t, os.Symlink(filepath.Join(workspace.GenerationsDirName, "gen-1"), filepath.Join(root, workspace.ServersDirName)))

	for _, target := range []string{
		"servers/demo/get_transcript.star",
		".catalog/gen-1/demo/get_transcript.star",
	} {
		res, err := e.Execute(t.Context(), Request{
			Code: "fs.write(\"" + target + "\", \"def get_transcript(): return 'changed'\")\n_result = 1\n",
		})
		require.NoError(t, err)
		assert.Equal(t, KindFileSystemPolicy, res.Kind(), target)
		assert.Equal(t, "write", res.Error.Mode)
	}

	res, err := e.Execute(t.Context(), Request{
		Code: "load(\"servers/demo/get_transcript.star\", \"get_transcript\")\n_result = get_transcript()\n",
	})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, "original", res.Value)
}

func TestExecute_Timeout(t *testing.T) {
	e, _ := newExecutor(t, WithLimits(Limits{MaxSteps: 1 << 62}))

	start := time.Now()
	res, err := e.Execute(t.Context(), Request{
		Code:    "_result = 1\nwhile True:\n    pass\n",
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, res.Kind())
	assert.False(t, res.HasValue)
	assert.Nil(t, res.Value)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, hasRule(res.Warnings, security.RuleUnboundedLoop), "unbounded loop should be reported as a warning")
}

func TestExecute_ToolCalls(t *testing.T) {
	tools := interp.ToolCallerFunc(func(_ context.Context, server, tool string, args map[string]any) (any, error) {
		if server == "youtube" && tool == "get_transcript" {
			return "transcript of " + args["video_id"].(string), nil
		}
		return nil, errors.New("unknown tool")
	})
	e, _ := newExecutor(t, WithToolCaller(tools))

	res, err := e.Execute(t.Context(), Request{
		Code: "_result = call_tool(\"youtube\", \"get_transcript\", {\"video_id\": \"abc\"})\n",
	})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, "transcript of abc", res.Value)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "youtube", res.ToolCalls[0].Server)
}

func TestExecute_ConcurrentIsolation(t *testing.T) {
	e, _ := newExecutor(t, WithMaxConcurrent(4))

	const n = 16
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			req := Request{Code: "_result = 2 + 2\n"}
			if i%2 == 1 {
				req.Code = "_result = open(\"/etc/hostname\").read()\n"
			}
			res, err := e.Execute(context.Background(), req)
			if err == nil {
				results[i] = res
			}
		})
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res, i)
		if i%2 == 0 {
			assert.True(t, res.Success, "run %d: %+v", i, res.Error)
			assert.Equal(t, int64(4), res.Value)
		} else {
			assert.Equal(t, KindFileSystemPolicy, res.Kind(), i)
		}
	}
}

func TestExecute_CanceledBeforeSlot(t *testing.T) {
	e, _ := newExecutor(t, WithMaxConcurrent(1))
	require.NoError(t, e.sem.Acquire(t.Context(), 1))
	defer e.sem.Release(1)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, Request{Code: "_result = 1\n"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type brokenRunner struct{}

func (brokenRunner) Name() string { return "broken" }
func (brokenRunner) Run(context.Context, *sandbox.Job, interp.ToolCaller) (*sandbox.Outcome, error) {
	return nil, errors.New("exec: /usr/local/bin/worker: permission denied")
}

func TestExecute_RunnerFailureHidesDetails(t *testing.T) {
	engine := security.NewEngine(security.DefaultRules(security.RuleConfig{}))
	e := New(brokenRunner{}, engine, t.TempDir(), quietLogger())

	res, err := e.Execute(t.Context(), Request{Code: "_result = 1\n"})
	require.NoError(t, err)
	assert.Equal(t, KindExecution, res.Kind())
	assert.NotContains(t, res.Error.Message, "/usr/local/bin")
}

func TestSanitize(t *testing.T) {
	e := &Executor{root: "/srv/codexec/ws"}

	trace := strings.Join([]string{
		"error reading /srv/codexec/ws/data/report.csv",
		"goroutine 17 [running]:",
		"main.run(0xc000012345, 0x2)",
		"\t/home/build/codexec/internal/interp/interp.go:88 +0x1d",
		"created by main.start",
		"workspace is /srv/codexec/ws",
	}, "\n")

	got := e.sanitize(trace)
	assert.Equal(t, "error reading data/report.csv\nworkspace is <workspace>", got)
	assert.Equal(t, "", e.sanitize(""))
	assert.Equal(t, "plain message (with parens)", e.sanitize("plain message (with parens)"))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{nil, "the requested operation could not be completed safely"},
		{&Error{Kind: KindFileSystemPolicy, Mode: "read", Target: "/etc/passwd"},
			"the requested operation could not be completed safely: read access to /etc/passwd is not allowed"},
		{&Error{Kind: KindTimeout}, "the requested operation could not be completed safely: execution timed out"},
		{&Error{Kind: KindSecurityBlocked}, "the requested operation could not be completed safely: the generated code was blocked by security rules"},
		{&Error{Kind: KindExecution, Message: "key \"x\" not found"},
			"the requested operation could not be completed safely (execution_exception)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, UserMessage(tc.err))
	}
	assert.Equal(t, "the requested operation completed", (&Result{Success: true}).UserMessage())
}
