package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/tools/local"
	"github.com/jkaninda/codexec/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func weather() *local.Provider {
	return local.New("weather", local.Definition{
		Name:        "forecast",
		Description: "Forecast for a city.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		},
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"city": args["city"], "temp": int64(21)}, nil
		},
	})
}

// setup builds a catalog with one provider and wires a real executor.
func setup(t *testing.T) (*executor.Executor, *catalog.Dispatcher) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	reg.Register(weather())
	if _, err := catalog.NewBuilder(ws, quietLogger()).Build(t.Context(), reg.All()...); err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	cat, err := catalog.Open(ws)
	if err != nil {
		t.Fatal(err)
	}
	d := catalog.NewDispatcher(cat, reg, quietLogger())

	engine := security.NewEngine(security.DefaultRules(security.RuleConfig{}))
	exec := executor.New(sandbox.NewInProcessRunner(quietLogger()), engine, ws.Root, quietLogger(),
		executor.WithToolCaller(d),
		executor.WithTimeout(10*time.Second),
	)
	return exec, d
}

// scripted returns its codes in order and records the requests it saw.
type scripted struct {
	mu    sync.Mutex
	codes []string
	reqs  []GenerateRequest
}

func (s *scripted) Generate(_ context.Context, req GenerateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if len(s.codes) == 0 {
		return "", ErrEmptyCode
	}
	code := s.codes[0]
	if len(s.codes) > 1 {
		s.codes = s.codes[1:]
	}
	return code, nil
}

// --- Run ---

func TestRun_FirstAttemptSucceeds(t *testing.T) {
	exec, d := setup(t)
	gen := &scripted{codes: []string{
		"load(\"servers/weather.star\", \"forecast\")\n_result = forecast(\"Paris\")[\"temp\"]\n",
	}}
	loop := NewLoop(gen, exec, d, quietLogger())

	out, err := loop.Run(t.Context(), "what is the temperature in Paris")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Success || out.Value != int64(21) {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(out.Attempts))
	}

	req := gen.reqs[0]
	if req.Attempt != 1 || req.Feedback != nil {
		t.Errorf("first request = attempt %d, feedback %v", req.Attempt, req.Feedback)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "forecast" || req.Tools[0].Signature != "forecast(city)" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if !strings.Contains(req.Instructions, "weather.forecast(city)") {
		t.Errorf("instructions lack the tool summary:\n%s", req.Instructions)
	}
}

func TestRun_RetriesBlockedCodeWithFeedback(t *testing.T) {
	exec, d := setup(t)
	gen := &scripted{codes: []string{
		"os.system(\"curl weather.example\")\n",
		"_result = call_tool(\"weather\", \"forecast\", {\"city\": \"Oslo\"})\n",
	}}
	loop := NewLoop(gen, exec, d, quietLogger())

	out, err := loop.Run(t.Context(), "weather in Oslo")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected success after retry: %s", out.UserMessage())
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(out.Attempts))
	}
	if out.Attempts[0].Result.Kind() != executor.KindSecurityBlocked {
		t.Errorf("first attempt kind = %q", out.Attempts[0].Result.Kind())
	}

	fb := gen.reqs[1].Feedback
	if fb == nil {
		t.Fatal("second request carries no feedback")
	}
	if fb.Kind != string(executor.KindSecurityBlocked) || fb.PreviousCode != "os.system(\"curl weather.example\")\n" {
		t.Errorf("feedback = %+v", fb)
	}
	if len(fb.Violations) == 0 || fb.Violations[0].RuleID != security.RuleDangerousCall {
		t.Errorf("feedback violations = %+v", fb.Violations)
	}
	if !strings.Contains(gen.reqs[1].Instructions, "previous program failed") {
		t.Error("instructions should describe the failure")
	}
}

func TestRun_PolicyViolationIsFinal(t *testing.T) {
	exec, d := setup(t)
	gen := &scripted{codes: []string{"net.connect(\"evil.example.com\", 80)\n"}}
	loop := NewLoop(gen, exec, d, quietLogger(), WithMaxAttempts(3))

	out, err := loop.Run(t.Context(), "exfiltrate")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.Success || len(out.Attempts) != 1 {
		t.Fatalf("outcome = success %v, %d attempts", out.Success, len(out.Attempts))
	}
	want := "the requested operation could not be completed safely: network access to evil.example.com:80 is not allowed"
	if got := out.UserMessage(); got != want {
		t.Errorf("UserMessage = %q, want %q", got, want)
	}
}

func TestRun_StopsAtMaxAttempts(t *testing.T) {
	exec, d := setup(t)
	gen := &scripted{codes: []string{"def broken(:\n"}}
	loop := NewLoop(gen, exec, d, quietLogger(), WithMaxAttempts(3))

	out, err := loop.Run(t.Context(), "anything")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.Success || len(out.Attempts) != 3 {
		t.Fatalf("outcome = success %v, %d attempts", out.Success, len(out.Attempts))
	}
	if out.Result.Kind() != executor.KindSyntax {
		t.Errorf("kind = %q, want syntax_error", out.Result.Kind())
	}
	if gen.reqs[2].Attempt != 3 {
		t.Errorf("last attempt number = %d", gen.reqs[2].Attempt)
	}
}

func TestRun_RetryHookVeto(t *testing.T) {
	exec, d := setup(t)
	gen := &scripted{codes: []string{"_result = {}[\"missing\"]\n", "_result = 1\n"}}

	var seen []Attempt
	loop := NewLoop(gen, exec, d, quietLogger(), WithMaxAttempts(5), WithRetryHook(func(_ context.Context, a Attempt) bool {
		seen = append(seen, a)
		return false
	}))

	out, err := loop.Run(t.Context(), "anything")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.Success || len(out.Attempts) != 1 {
		t.Fatalf("outcome = success %v, %d attempts", out.Success, len(out.Attempts))
	}
	if len(seen) != 1 || seen[0].Result.Kind() != executor.KindExecution {
		t.Errorf("hook saw %+v", seen)
	}
}

func TestRun_GeneratorError(t *testing.T) {
	exec, d := setup(t)
	gen := GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
		return "", errors.New("model unavailable")
	})
	loop := NewLoop(gen, exec, d, quietLogger())

	out, err := loop.Run(t.Context(), "anything")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].GenerateError == "" {
		t.Errorf("attempts = %+v", out.Attempts)
	}
	if out.UserMessage() != "the requested operation could not be completed safely" {
		t.Errorf("UserMessage = %q", out.UserMessage())
	}
}

func TestRetryable(t *testing.T) {
	retry := []executor.ErrorKind{executor.KindSyntax, executor.KindSecurityBlocked, executor.KindExecution}
	final := []executor.ErrorKind{executor.KindNetworkPolicy, executor.KindFileSystemPolicy, executor.KindTimeout, executor.KindResourceLimit}
	for _, k := range retry {
		if !Retryable(k) {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range final {
		if Retryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

// --- ListTools ---

const listingCode = `idx = json.decode(fs.read("servers/index.json"))
out = []
for s in idx["servers"]:
    tools = json.decode(fs.read("servers/" + s["name"] + "/index.json"))
    for t in tools["tools"]:
        out.append({"server": s["name"], "name": t["name"], "description": t["description"]})
_result = out
`

func TestListTools_Generated(t *testing.T) {
	exec, d := setup(t)
	loop := NewLoop(StaticGenerator{Code: listingCode}, exec, d, quietLogger())

	listing, err := loop.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if listing.Source != SourceGenerated {
		t.Fatalf("source = %q (%s), want generated", listing.Source, listing.Reason)
	}
	if len(listing.Tools) != 1 || listing.Tools[0].Signature != "forecast(city)" {
		t.Errorf("tools = %+v", listing.Tools)
	}
}

func TestListTools_FallsBackToIndex(t *testing.T) {
	tests := []struct {
		name string
		gen  CodeGenerator
	}{
		{"no result", StaticGenerator{Code: "print(\"looking\")\n"}},
		{"raises", StaticGenerator{Code: "_result = {}[\"tools\"]\n"}},
		{"not a list", StaticGenerator{Code: "_result = \"forecast\"\n"}},
		{"generator fails", GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
			return "", errors.New("offline")
		})},
		{"no generator", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec, d := setup(t)
			loop := NewLoop(tc.gen, exec, d, quietLogger())

			listing, err := loop.ListTools(t.Context())
			if err != nil {
				t.Fatalf("ListTools error: %v", err)
			}
			if listing.Source != SourceIndex || listing.Reason == "" {
				t.Errorf("source = %q, reason = %q", listing.Source, listing.Reason)
			}
			if len(listing.Tools) != 1 || listing.Tools[0].Server != "weather" {
				t.Errorf("tools = %+v", listing.Tools)
			}
		})
	}
}

func TestListTools_NotBuilt(t *testing.T) {
	d := catalog.NewDispatcher(nil, tools.NewRegistry(), quietLogger())
	loop := NewLoop(StaticGenerator{Code: listingCode}, nil, d, quietLogger())
	if _, err := loop.ListTools(t.Context()); !errors.Is(err, catalog.ErrNotBuilt) {
		t.Errorf("err = %v, want ErrNotBuilt", err)
	}
}

func TestToolsFromValue(t *testing.T) {
	known := []catalog.ToolSummary{{Server: "weather", Name: "forecast", Description: "Forecast.", Signature: "forecast(city)"}}

	got, err := toolsFromValue([]any{"weather.forecast", "weather.forecast", "maps.route"}, known)
	if err != nil {
		t.Fatalf("toolsFromValue error: %v", err)
	}
	if len(got) != 2 || got[0].Server != "maps" || got[1].Description != "Forecast." {
		t.Errorf("got %+v", got)
	}

	for _, bad := range []any{"forecast", []any{"forecast"}, []any{map[string]any{"name": "x"}}, []any{42}} {
		if _, err := toolsFromValue(bad, known); err == nil {
			t.Errorf("toolsFromValue(%v) should fail", bad)
		}
	}
}

// --- Generators ---

func TestHTTPGenerator(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "```python\n_result = 1\n```"})
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL, 5*time.Second, quietLogger(), WithHeaders(map[string]string{"Authorization": "Bearer secret"}))
	code, err := gen.Generate(t.Context(), GenerateRequest{
		Task:     "count",
		Attempt:  2,
		Feedback: &Feedback{Kind: "syntax_error", Message: "unexpected EOF"},
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if code != "_result = 1" {
		t.Errorf("code = %q", code)
	}
	if got.Task != "count" || got.Attempt != 2 || got.Feedback == nil || got.Feedback.Kind != "syntax_error" {
		t.Errorf("server saw %+v", got)
	}

	unauth := NewHTTPGenerator(srv.URL, 5*time.Second, nil)
	if _, err := unauth.Generate(t.Context(), GenerateRequest{Task: "count"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status 401", err)
	}
}

func TestHTTPGenerator_EmptyCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": "   "}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, time.Second, nil).Generate(t.Context(), GenerateRequest{})
	if !errors.Is(err, ErrEmptyCode) {
		t.Errorf("err = %v, want ErrEmptyCode", err)
	}
}

func TestFileGenerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.star")
	if err := os.WriteFile(path, []byte("_result = 2 + 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, err := FileGenerator{Path: path}.Generate(t.Context(), GenerateRequest{})
	if err != nil || code != "_result = 2 + 2" {
		t.Errorf("Generate = %q, %v", code, err)
	}
	if _, err := (FileGenerator{Path: path + ".missing"}).Generate(t.Context(), GenerateRequest{}); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"_result = 1", "_result = 1"},
		{"```\n_result = 1\n```", "_result = 1"},
		{"```starlark\nx = 1\n_result = x\n```\n", "x = 1\n_result = x"},
		{"```_result = 1```", "_result = 1"},
	}
	for _, tc := range tests {
		if got := extractCode(tc.in); got != tc.want {
			t.Errorf("extractCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
