package interp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/codexec/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const echoModule = `def echo(text, upper = None):
    args = {"text": text}
    if upper != None:
        args["upper"] = upper
    return call_tool("demo", "echo", args)
`

const providerModule = `load("servers/demo/echo.star", _echo = "echo")

echo = _echo
`

func writeCatalog(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "servers", "demo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.star"), []byte(echoModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "servers", "demo.star"), []byte(providerModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("line one\nline two\n"), 0o644))
}

type env struct {
	root string
	net  *policy.NetworkPolicy
	fs   *policy.FileSystemPolicy
}

func newEnv(t *testing.T, allow []string, writable bool) *env {
	t.Helper()
	root := t.TempDir()
	writeCatalog(t, root)
	np, err := policy.NewNetworkPolicy(allow, policy.WithLogger(testLogger()))
	require.NoError(t, err)
	fp, err := policy.NewFileSystemPolicy(root, writable, policy.WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, np.Activate())
	require.NoError(t, fp.Activate())
	t.Cleanup(func() {
		np.Deactivate()
		fp.Deactivate()
	})
	return &env{root: root, net: np, fs: fp}
}

func (e *env) config(code string) Config {
	return Config{
		Code:       code,
		Network:    e.net,
		FileSystem: e.fs,
		Tools:      echoTools(),
		Logger:     testLogger(),
	}
}

func echoTools() ToolCaller {
	return ToolCallerFunc(func(_ context.Context, server, tool string, args map[string]any) (any, error) {
		if server != "demo" || tool != "echo" {
			return nil, errors.New("unknown tool")
		}
		text, _ := args["text"].(string)
		if up, _ := args["upper"].(bool); up {
			text = strings.ToUpper(text)
		}
		return map[string]any{"echo": text, "length": len(text)}, nil
	})
}

func TestRun_ResultCaptured(t *testing.T) {
	e := newEnv(t, nil, false)

	out, err := Run(t.Context(), e.config(`_result = 2 + 2`))
	require.NoError(t, err)
	assert.True(t, out.HasValue)
	assert.Equal(t, int64(4), out.Value)
}

func TestRun_NoResult(t *testing.T) {
	e := newEnv(t, nil, false)

	out, err := Run(t.Context(), e.config(`print("hello")`))
	require.NoError(t, err)
	assert.False(t, out.HasValue)
	assert.Nil(t, out.Value)
	assert.Equal(t, "hello\n", out.Output)
}

func TestRun_OutputIsCapped(t *testing.T) {
	e := newEnv(t, nil, false)
	cfg := e.config("for i in range(100):\n    print(\"0123456789\")\n")
	cfg.MaxOutputBytes = 25

	out, err := Run(t.Context(), cfg)
	require.NoError(t, err)
	assert.Len(t, out.Output, 25)
	assert.True(t, out.OutputTruncated)
}

func TestRun_CatalogImportAndToolCall(t *testing.T) {
	e := newEnv(t, nil, false)
	code := strings.Join([]string{
		`load("servers/demo.star", "echo")`,
		`r = echo("hi", upper = True)`,
		`_result = {"echo": r["echo"], "len": r["length"]}`,
	}, "\n")

	out, err := Run(t.Context(), e.config(code))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "HI", "len": int64(2)}, out.Value)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "demo", out.ToolCalls[0].Server)
	assert.Equal(t, "echo", out.ToolCalls[0].Tool)
	assert.Empty(t, out.ToolCalls[0].Error)
}

func TestRun_SingleToolModule(t *testing.T) {
	e := newEnv(t, nil, false)
	code := "load(\"servers/demo/echo.star\", \"echo\")\n_result = echo(\"x\")[\"echo\"]\n"

	out, err := Run(t.Context(), e.config(code))
	require.NoError(t, err)
	assert.Equal(t, "x", out.Value)
}

func TestRun_LoadOutsideCatalogFails(t *testing.T) {
	e := newEnv(t, nil, false)
	for _, module := range []string{"os", "lib/util.star", "servers/../notes.star", "servers/missing.star"} {
		_, err := Run(t.Context(), e.config(`load("`+module+`", "x")`))
		assert.Error(t, err, module)
	}
}

func TestRun_ToolErrorsAreRecorded(t *testing.T) {
	e := newEnv(t, nil, false)

	out, err := Run(t.Context(), e.config(`_result = call_tool("demo", "nope", {})`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "unknown tool", out.ToolCalls[0].Error)
	assert.False(t, out.HasValue)
}

func TestRun_ToolCallLimit(t *testing.T) {
	e := newEnv(t, nil, false)
	cfg := e.config("for i in range(5):\n    call_tool(\"demo\", \"echo\", {\"text\": \"a\"})\n")
	cfg.MaxToolCalls = 3

	out, err := Run(t.Context(), cfg)
	require.ErrorIs(t, err, ErrToolCallLimit)
	assert.Len(t, out.ToolCalls, 3)
}

func TestRun_FileAccess(t *testing.T) {
	e := newEnv(t, nil, false)

	out, err := Run(t.Context(), e.config(`_result = open("notes.txt").readlines()`))
	require.NoError(t, err)
	assert.Equal(t, []any{"line one\n", "line two\n"}, out.Value)

	out, err = Run(t.Context(), e.config(`_result = fs.listdir("servers")`))
	require.NoError(t, err)
	assert.Equal(t, []any{"demo", "demo.star"}, out.Value)

	_, err = Run(t.Context(), e.config(`_result = open("/etc/passwd").read()`))
	assert.ErrorIs(t, err, policy.ErrFileSystemDenied)

	_, err = Run(t.Context(), e.config(`fs.write("out.txt", "data")`))
	assert.ErrorIs(t, err, policy.ErrFileSystemDenied)
	assert.NoFileExists(t, filepath.Join(e.root, "out.txt"))
}

func TestRun_FileWritesWhenAllowed(t *testing.T) {
	e := newEnv(t, nil, true)
	code := strings.Join([]string{
		`fs.makedirs("out")`,
		`fs.write("out/a.txt", "one\n")`,
		`fs.append("out/a.txt", "two\n")`,
		`f = open("out/b.txt", "w")`,
		`f.write("b")`,
		`f.close()`,
		`_result = [fs.read("out/a.txt"), fs.exists("out/b.txt"), fs.exists("out/c.txt")]`,
	}, "\n")

	out, err := Run(t.Context(), e.config(code))
	require.NoError(t, err)
	assert.Equal(t, []any{"one\ntwo\n", true, false}, out.Value)
}

func TestRun_NetworkConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("pong"))
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	e := newEnv(t, []string{"127.0.0.1:" + strconv.Itoa(port)}, false)
	out, err := Run(t.Context(), e.config(`_result = net.connect("127.0.0.1", `+strconv.Itoa(port)+`)`))
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Value)

	_, err = Run(t.Context(), e.config(`_result = net.connect("127.0.0.1", 1)`))
	require.ErrorIs(t, err, policy.ErrNetworkDenied)
	var v *policy.NetworkViolation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "127.0.0.1:1", v.Target())
}

func TestRun_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("got:"), body...))
	}))
	defer srv.Close()

	e := newEnv(t, []string{strings.TrimPrefix(srv.URL, "http://")}, false)
	code := strings.Join([]string{
		`r = http.post("` + srv.URL + `", body = "ping")`,
		`_result = {"status": r.status_code, "body": r.body, "method": r.headers["x-method"]}`,
	}, "\n")

	out, err := Run(t.Context(), e.config(code))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": int64(200), "body": "got:ping", "method": "POST"}, out.Value)

	_, err = Run(t.Context(), e.config(`http.get("http://169.254.169.254/latest/meta-data")`))
	assert.ErrorIs(t, err, policy.ErrNetworkDenied)
}

func TestRun_StepLimit(t *testing.T) {
	e := newEnv(t, nil, false)
	cfg := e.config("x = 0\nwhile True:\n    x += 1\n")
	cfg.MaxSteps = 10_000

	out, err := Run(t.Context(), cfg)
	require.ErrorIs(t, err, ErrStepLimit)
	assert.False(t, out.HasValue)
}

func TestRun_ContextTimeout(t *testing.T) {
	e := newEnv(t, nil, false)
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := Run(ctx, e.config("_result = 1\nwhile True:\n    pass\n"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, out.HasValue)
	assert.Nil(t, out.Value)
}

func TestRun_RuntimeError(t *testing.T) {
	e := newEnv(t, nil, false)

	_, err := Run(t.Context(), e.config("x = {}\n_result = x[\"missing\"]\n"))
	require.Error(t, err)
	var evalErr *starlark.EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestRun_WithoutPolicies(t *testing.T) {
	out, err := Run(t.Context(), Config{Code: `_result = fs.exists("x")`, Logger: testLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filesystem access is not available")
	assert.False(t, out.HasValue)
}

func TestConvert(t *testing.T) {
	v, err := FromGo(map[string]any{
		"b": []any{int64(1), 2.5, "x", nil, true},
		"a": map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"k": "v"}, "b": [1, 2.5, "x", None, True]}`, v.String())

	assert.Equal(t, map[string]any{
		"a": map[string]any{"k": "v"},
		"b": []any{int64(1), 2.5, "x", nil, true},
	}, ToGo(v))

	type payload struct {
		Name string `json:"name"`
	}
	v, err = FromGo(payload{Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, `{"name": "n"}`, v.String())

	assert.Equal(t, "<built-in function len>", ToGo(starlark.Universe["len"]))
}
