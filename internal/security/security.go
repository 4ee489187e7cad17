// Package security implements static analysis of generated code and the
// append-only audit trail for code executions.
//
// Validation is AST-based: code is parsed with the same Starlark dialect the
// interpreter uses, and every registered Rule inspects the syntax tree. A
// single BLOCK violation prevents execution.
package security

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// Sentinel errors for rule registration and validation.
var (
	ErrDuplicateRule = errors.New("rule already registered")
	ErrBlocked       = errors.New("code blocked by security rules")
)

// Severity classifies how serious a rule violation is.
type Severity int

const (
	SeverityInfo  Severity = iota // Informational, surfaced in logs only.
	SeverityWarn                  // Suspicious, execution proceeds.
	SeverityBlock                 // Dangerous, execution is refused.
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity converts a case-insensitive severity name.
// Unrecognized values default to SeverityBlock (default-deny principle).
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo
	case "WARN", "WARNING":
		return SeverityWarn
	default:
		return SeverityBlock
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// Violation is a single finding produced by a rule.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Snippet  string   `json:"snippet,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s] line %d: %s", v.Severity, v.RuleID, v.Line, v.Message)
}

// ValidationResult aggregates every violation found in one code string.
type ValidationResult struct {
	SyntaxValid bool        `json:"syntax_valid"`
	Violations  []Violation `json:"violations"`
	Blocked     bool        `json:"blocked"`
	Warnings    []Violation `json:"warnings"`
}

// BlockingViolations returns the BLOCK-severity violations.
func (r *ValidationResult) BlockingViolations() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

// Err returns ErrBlocked wrapped with the first blocking violation, or nil.
func (r *ValidationResult) Err() error {
	if !r.Blocked {
		return nil
	}
	blocking := r.BlockingViolations()
	if len(blocking) == 0 {
		return ErrBlocked
	}
	return fmt.Errorf("%w: %s", ErrBlocked, blocking[0])
}

// Rule is a stateless check over a parsed source file.
// Implementations must not retain the Source after Check returns.
type Rule interface {
	ID() string
	Description() string
	Severity() Severity
	Check(src *Source) []Violation
}

// Source is a parsed code string handed to rules.
type Source struct {
	File  *syntax.File
	lines []string
}

func newSource(f *syntax.File, code string) *Source {
	return &Source{File: f, lines: strings.Split(code, "\n")}
}

// Snippet returns the trimmed source text of a 1-based line.
func (s *Source) Snippet(line int) string {
	if line < 1 || line > len(s.lines) {
		return ""
	}
	snippet := strings.TrimSpace(s.lines[line-1])
	if len(snippet) > 160 {
		snippet = snippet[:160] + "..."
	}
	return snippet
}

// Violation builds a violation for rule r at the start of node n.
func (s *Source) Violation(r Rule, sev Severity, n syntax.Node, msg string) Violation {
	start, _ := n.Span()
	line, col := int(start.Line), int(start.Col)
	return Violation{
		RuleID:   r.ID(),
		Severity: sev,
		Message:  msg,
		Line:     line,
		Column:   col,
		Snippet:  s.Snippet(line),
	}
}
