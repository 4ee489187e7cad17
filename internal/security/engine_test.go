package security

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() *Engine {
	return NewEngine(DefaultRules(RuleConfig{}))
}

func ruleIDs(vs []Violation) []string {
	ids := make([]string, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.RuleID)
	}
	return ids
}

func TestValidate_DangerousCallBlocks(t *testing.T) {
	e := newTestEngine()

	res := e.Validate(`os.system("ls")`)

	require.True(t, res.SyntaxValid)
	assert.True(t, res.Blocked)
	blocking := res.BlockingViolations()
	require.Len(t, blocking, 1)
	assert.Equal(t, RuleDangerousCall, blocking[0].RuleID)
	assert.Equal(t, 1, blocking[0].Line)
	assert.Equal(t, `os.system("ls")`, blocking[0].Snippet)
	assert.ErrorIs(t, res.Err(), ErrBlocked)
}

func TestValidate_DangerousCallVariants(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		name string
		code string
	}{
		{"eval", `x = eval("1+1")`},
		{"exec", `exec("print(1)")`},
		{"compile", `c = compile("1", "f", "eval")`},
		{"dunder import", `m = __import__("os")`},
		{"subprocess", `subprocess.run(["ls"])`},
		{"os exec family", `os.execv("/bin/sh", [])`},
		{"alias", "f = os.system\nf('ls')"},
		{"getattr literal", `f = getattr(os, "system")`},
		{"nested in function", "def run():\n    os.popen('id')\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.code)
			require.True(t, res.SyntaxValid, res.Violations)
			assert.True(t, res.Blocked)
			assert.Contains(t, ruleIDs(res.Violations), RuleDangerousCall)
		})
	}
}

func TestValidate_CatalogBindingsAreNotBuiltins(t *testing.T) {
	e := newTestEngine()
	for _, code := range []string{
		"load(\"servers/build/exec.star\", \"exec\")\n_result = exec(target=\"release\")\n",
		"load(\"servers/build.star\", compile=\"build\")\n_result = compile.run()\n",
		"load(\"servers/search.star\", \"search\")\n_result = search(exec=True, eval=\"fast\")\n",
	} {
		res := e.Validate(code)
		require.True(t, res.SyntaxValid, code)
		assert.False(t, res.Blocked, "%s: %v", code, res.Violations)
	}

	// Names loaded from outside the catalog, and keyword values, are still checked.
	for _, code := range []string{
		"load(\"helpers.star\", \"exec\")\nexec(\"x\")\n",
		"load(\"servers/search.star\", \"search\")\n_result = search(q=eval(\"1\"))\n",
	} {
		res := e.Validate(code)
		assert.True(t, res.Blocked, code)
		assert.Contains(t, ruleIDs(res.Violations), RuleDangerousCall, code)
	}
}

func TestValidate_DangerousImport(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		code    string
		blocked bool
		info    bool
	}{
		{`load("os", "system")`, true, false},
		{`load("subprocess.star", "run")`, true, false},
		{`load("socket", "socket")`, true, false},
		{`load("os.path", "join")`, false, false},
		{`load("importlib", "import_module")`, false, false},
		{`load("servers/demo.star", "get_transcript")`, false, false},
		{`load("servers/demo/get_transcript.star", "get_transcript")`, false, false},
		{`load("somewhere/else.star", "thing")`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			res := e.Validate(tt.code + "\n_result = 1\n")
			require.True(t, res.SyntaxValid)
			assert.Equal(t, tt.blocked, res.Blocked)
			var found *Violation
			for i := range res.Violations {
				if res.Violations[i].RuleID == RuleDangerousImport {
					found = &res.Violations[i]
				}
			}
			switch {
			case tt.blocked:
				require.NotNil(t, found)
				assert.Equal(t, SeverityBlock, found.Severity)
			case tt.info:
				require.NotNil(t, found)
				assert.Equal(t, SeverityInfo, found.Severity)
			default:
				assert.Nil(t, found)
			}
		})
	}
}

func TestValidate_FilesystemPatternWarns(t *testing.T) {
	e := newTestEngine()
	for _, code := range []string{
		`_result = open("/etc/passwd").read()`,
		`_result = fs.read("../../etc/passwd")`,
		`_result = fs.listdir("/home")`,
		`_result = fs.read("~/.ssh/id_rsa")`,
	} {
		res := e.Validate(code)
		assert.False(t, res.Blocked, code)
		assert.Contains(t, ruleIDs(res.Warnings), RuleFilesystemAccess, code)
	}

	res := e.Validate(`_result = fs.read("servers/demo/index.json")`)
	assert.NotContains(t, ruleIDs(res.Violations), RuleFilesystemAccess)
}

func TestValidate_UnboundedLoop(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		name string
		code string
		warn bool
	}{
		{"no exit", "while True:\n    x = 1\n", true},
		{"literal one", "while 1:\n    pass\n", true},
		{"break", "while True:\n    break\n", false},
		{"conditional break", "n = 0\nwhile True:\n    n += 1\n    if n > 3:\n        break\n", false},
		{"inner loop break only", "while True:\n    for i in range(3):\n        break\n", true},
		{"return in function", "def f():\n    while True:\n        return 1\n", false},
		{"fail", "while True:\n    fail('stop')\n", false},
		{"real condition", "n = 0\nwhile n < 3:\n    n += 1\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.code)
			require.True(t, res.SyntaxValid, res.Violations)
			assert.False(t, res.Blocked)
			if tt.warn {
				assert.Contains(t, ruleIDs(res.Warnings), RuleUnboundedLoop)
			} else {
				assert.NotContains(t, ruleIDs(res.Warnings), RuleUnboundedLoop)
			}
		})
	}
}

func TestValidate_ResultUnassignedIsInfo(t *testing.T) {
	e := newTestEngine()

	res := e.Validate(`print("hello")`)
	assert.False(t, res.Blocked)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, RuleResultUnassigned, res.Warnings[0].RuleID)
	assert.Equal(t, SeverityInfo, res.Warnings[0].Severity)

	res = e.Validate(`_result = 2 + 2`)
	assert.Empty(t, res.Violations)
	assert.False(t, res.Blocked)
}

func TestValidate_SyntaxError(t *testing.T) {
	e := newTestEngine()

	res := e.Validate("def broken(:\n    pass\n")

	assert.False(t, res.SyntaxValid)
	assert.True(t, res.Blocked)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, SyntaxRuleID, res.Violations[0].RuleID)
	assert.Equal(t, SeverityBlock, res.Violations[0].Severity)
	assert.Equal(t, 1, res.Violations[0].Line)
}

func TestValidate_PythonImportsAreCited(t *testing.T) {
	e := newTestEngine()

	res := e.Validate("import os\nos.system(\"ls\")")
	assert.False(t, res.SyntaxValid)
	assert.True(t, res.Blocked)
	ids := ruleIDs(res.Violations)
	assert.Contains(t, ids, SyntaxRuleID)
	assert.Contains(t, ids, RuleDangerousImport)
	for _, v := range res.Violations {
		if v.RuleID == RuleDangerousImport {
			assert.Equal(t, 1, v.Line)
			assert.Equal(t, "import os", v.Snippet)
			assert.Contains(t, v.Message, `"os"`)
		}
	}

	tests := []struct {
		code    string
		modules []string
	}{
		{"from subprocess import run\nrun(['ls'])", []string{"subprocess"}},
		{"import json, socket as s\n", []string{"socket"}},
		{"  import os.path\nimport sys\n", []string{"sys"}},
		{"import json\nx = (", nil},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			res := e.Validate(tt.code)
			require.False(t, res.SyntaxValid)
			var cited []string
			for _, v := range res.Violations {
				if v.RuleID == RuleDangerousImport {
					cited = append(cited, v.Snippet)
				}
			}
			assert.Len(t, cited, len(tt.modules))
		})
	}

	res = NewEngine(DefaultRules(RuleConfig{}), WithDisabledRules(RuleDangerousImport)).Validate("import os\n")
	assert.Equal(t, []string{SyntaxRuleID}, ruleIDs(res.Violations))
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	e := newTestEngine()
	code := strings.Join([]string{
		`data = open("/etc/shadow").read()`,
		`eval(data)`,
		`while True:`,
		`    os.system("rm -rf /")`,
	}, "\n")

	res := e.Validate(code)

	assert.True(t, res.Blocked)
	ids := ruleIDs(res.Violations)
	assert.Contains(t, ids, RuleFilesystemAccess)
	assert.Contains(t, ids, RuleDangerousCall)
	assert.Contains(t, ids, RuleUnboundedLoop)
	for i := 1; i < len(res.Violations); i++ {
		assert.LessOrEqual(t, res.Violations[i-1].Line, res.Violations[i].Line)
	}
}

type markerRule struct{ id string }

func (m markerRule) ID() string          { return m.id }
func (m markerRule) Description() string { return "flags the word marker" }
func (m markerRule) Severity() Severity  { return SeverityWarn }
func (m markerRule) Check(src *Source) []Violation {
	if strings.Contains(src.Snippet(1), "marker") {
		return []Violation{{RuleID: m.id, Severity: SeverityWarn, Line: 1, Message: "marker"}}
	}
	return nil
}

func TestEngine_RegisterCustomRule(t *testing.T) {
	e := NewEngine(DefaultRules(RuleConfig{}), WithRules(markerRule{id: "marker"}))

	res := e.Validate(`_result = "marker"`)
	assert.Contains(t, ruleIDs(res.Warnings), "marker")

	err := e.Register(markerRule{id: "marker"})
	assert.ErrorIs(t, err, ErrDuplicateRule)
	err = e.Register(markerRule{id: SyntaxRuleID})
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestEngine_DisabledRules(t *testing.T) {
	e := NewEngine(DefaultRules(RuleConfig{}), WithDisabledRules(RuleResultUnassigned))
	for _, r := range e.Rules() {
		assert.NotEqual(t, RuleResultUnassigned, r.ID())
	}
	assert.Empty(t, e.Validate(`print(1)`).Violations)
}

func TestEngine_ConfiguredLists(t *testing.T) {
	e := NewEngine(DefaultRules(RuleConfig{
		BlockedModules: []string{"yaml"},
		BlockedCalls:   []string{"debug.dump"},
	}))
	assert.True(t, e.Validate(`load("yaml", "load")`).Blocked)
	assert.True(t, e.Validate(`debug.dump_all()`).Blocked)
}

type panickyRule struct{}

func (panickyRule) ID() string                { return "panicky" }
func (panickyRule) Description() string       { return "always panics" }
func (panickyRule) Severity() Severity        { return SeverityInfo }
func (panickyRule) Check(*Source) []Violation { panic("boom") }

func TestEngine_PanickingRuleBlocks(t *testing.T) {
	e := NewEngine(nil, WithRules(panickyRule{}))
	res := e.Validate(`_result = 1`)
	assert.True(t, res.Blocked)
	assert.Equal(t, "panicky", res.Violations[0].RuleID)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityInfo, ParseSeverity("info"))
	assert.Equal(t, SeverityWarn, ParseSeverity("Warning"))
	assert.Equal(t, SeverityBlock, ParseSeverity("BLOCK"))
	assert.Equal(t, SeverityBlock, ParseSeverity("nonsense"))

	b, err := SeverityWarn.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "WARN", string(b))
}

// Validation has no hidden state: validating the same code twice, in any
// interleaving with other code, yields identical results.
func TestValidate_Idempotent(t *testing.T) {
	e := newTestEngine()
	fragments := []string{
		`_result = 2 + 2`,
		`os.system("ls")`,
		`x = fs.read("/etc/hosts")`,
		"while True:\n    pass",
		`load("os", "getenv")`,
		`eval("1")`,
		`print("hi")`,
		`def f(:`,
		`_result = [t for t in range(3)]`,
	}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "n")
		parts := make([]string, n)
		for i := range parts {
			parts[i] = rapid.SampledFrom(fragments).Draw(t, fmt.Sprintf("frag%d", i))
		}
		code := strings.Join(parts, "\n")
		first := e.Validate(code)
		_ = e.Validate(rapid.SampledFrom(fragments).Draw(t, "other"))
		second := e.Validate(code)
		if !assert.ObjectsAreEqual(first, second) {
			t.Fatalf("validation not idempotent for %q:\n%v\n%v", code, first, second)
		}
		blocking := len(first.BlockingViolations()) > 0
		if blocking != first.Blocked {
			t.Fatalf("blocked flag %v disagrees with violations %v", first.Blocked, first.Violations)
		}
	})
}

func TestAuditLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	al, err := NewAuditLogger(path, discardLogger())
	require.NoError(t, err)
	defer al.Close()

	for _, result := range []string{"success", "blocked"} {
		require.NoError(t, al.Append(t.Context(), AuditEvent{
			ExecutionID: "exec-1",
			Action:      "execute",
			Result:      result,
			CodeSHA256:  CodeDigest("_result = 1"),
		}))
	}

	events, err := ReadAuditLog(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "blocked", events[1].Result)
	assert.Len(t, events[0].CodeSHA256, 64)
}
