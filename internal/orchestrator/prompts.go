package orchestrator

import (
	"fmt"
	"strings"

	"github.com/jkaninda/codexec/internal/catalog"
)

// Instructions sent to the code generator with every request.

const codegenInstructions = `You write Starlark programs that complete a task by calling tools.
The program runs in a sandbox and its value is whatever it assigns to _result.

Rules:
- Output ONLY the program, no explanation and no markdown fences
- Import a tool with load("servers/<server>.star", "<tool>") and call it like a function
- Tools may also be called directly: call_tool("<server>", "<tool>", {"arg": value})
- Assign the final answer to _result; lists, dicts, strings and numbers are returned as data
- Available modules: json, math, time, struct, fs (workspace files), http and net (allow-listed hosts only)
- There is no os, subprocess or socket access; code that tries is rejected before it runs
- File paths are relative to the workspace; paths outside it are denied
- Every loop must terminate; executions are killed at the time limit
- Use print() for progress notes, not for the answer`

const listToolsTask = `List every available tool. Set _result to a list of dicts with the keys
"server", "name" and "description". servers/index.json lists the servers and
servers/<server>/index.json lists the tools of one server; read them with fs.read and json.decode.`

// feedbackNote renders retry feedback for generators that only read text.
func feedbackNote(f *Feedback) string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The previous program failed (%s): %s", f.Kind, f.Message)
	if f.Line > 0 {
		fmt.Fprintf(&b, " at line %d", f.Line)
	}
	b.WriteString(".\n")
	for _, v := range f.Violations {
		fmt.Fprintf(&b, "- line %d: %s (%s)\n", v.Line, v.Message, v.RuleID)
	}
	b.WriteString("Write a corrected program that avoids this problem.")
	return b.String()
}

// toolSummaryText renders the catalog summary as one line per tool.
func toolSummaryText(tools []catalog.ToolSummary) string {
	if len(tools) == 0 {
		return "No tools are available."
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "%s.%s  %s", t.Server, t.Signature, t.Module)
		if t.Description != "" {
			b.WriteString("  # ")
			b.WriteString(firstLine(t.Description))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
