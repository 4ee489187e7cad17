package security

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.starlark.net/syntax"

	"github.com/jkaninda/codexec/internal/interp"
)

// SyntaxRuleID identifies the violation reported for unparseable code.
const SyntaxRuleID = "syntax"

// Engine validates generated code against a set of registered rules.
// Validate is safe for concurrent use; rules are only added at startup.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	ids    map[string]bool
	logger *slog.Logger
}

type engineOptions struct {
	logger   *slog.Logger
	disabled map[string]bool
	extra    []Rule
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithDisabledRules turns off rules by id.
func WithDisabledRules(ids ...string) Option {
	return func(o *engineOptions) {
		for _, id := range ids {
			o.disabled[id] = true
		}
	}
}

// WithRules registers additional rules after the built-in set.
func WithRules(rules ...Rule) Option {
	return func(o *engineOptions) { o.extra = append(o.extra, rules...) }
}

// NewEngine creates an engine with the given built-in rules (see DefaultRules)
// followed by any rules passed through WithRules.
func NewEngine(builtins []Rule, opts ...Option) *Engine {
	o := engineOptions{logger: slog.Default(), disabled: make(map[string]bool)}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{ids: make(map[string]bool), logger: o.logger}
	for _, r := range slices.Concat(builtins, o.extra) {
		if o.disabled[r.ID()] {
			continue
		}
		if err := e.Register(r); err != nil {
			e.logger.Warn("skipping rule", slog.String("rule", r.ID()), slog.String("error", err.Error()))
		}
	}
	return e
}

// Register adds a rule. Rule ids must be unique.
func (e *Engine) Register(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.ID() == SyntaxRuleID || e.ids[r.ID()] {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID())
	}
	e.ids[r.ID()] = true
	e.rules = append(e.rules, r)
	return nil
}

// Rules returns the registered rules in registration order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Validate parses code and runs every registered rule over it.
// Parse failures produce a syntax violation; of the rules, only Python
// import lines naming blocked modules are reported alongside it.
func (e *Engine) Validate(code string) *ValidationResult {
	f, err := interp.FileOptions().Parse("main.star", code, 0)
	if err != nil {
		result := syntaxFailure(err, code)
		for _, r := range e.Rules() {
			if ir, ok := r.(*ImportRule); ok {
				result.Violations = append(result.Violations, ir.CheckImportLines(code)...)
			}
		}
		sortViolations(result.Violations)
		return result
	}

	src := newSource(f, code)
	var violations []Violation
	for _, r := range e.Rules() {
		violations = append(violations, runRule(r, src)...)
	}
	sortViolations(violations)

	result := &ValidationResult{
		SyntaxValid: true,
		Violations:  violations,
	}
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			result.Blocked = true
		} else {
			result.Warnings = append(result.Warnings, v)
		}
	}
	if result.Violations == nil {
		result.Violations = []Violation{}
	}
	return result
}

// runRule isolates a misbehaving rule: a panic blocks the code instead of
// crashing the host.
func runRule(r Rule, src *Source) (out []Violation) {
	defer func() {
		if p := recover(); p != nil {
			out = []Violation{{
				RuleID:   r.ID(),
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("rule failed: %v", p),
			}}
		}
	}()
	return r.Check(src)
}

func syntaxFailure(err error, code string) *ValidationResult {
	v := Violation{
		RuleID:   SyntaxRuleID,
		Severity: SeverityBlock,
		Message:  err.Error(),
	}
	var serr syntax.Error
	if errors.As(err, &serr) {
		v.Message = serr.Msg
		v.Line = int(serr.Pos.Line)
		v.Column = int(serr.Pos.Col)
		v.Snippet = newSource(nil, code).Snippet(v.Line)
	}
	return &ValidationResult{
		SyntaxValid: false,
		Violations:  []Violation{v},
		Blocked:     true,
	}
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Line != vs[j].Line {
			return vs[i].Line < vs[j].Line
		}
		if vs[i].Column != vs[j].Column {
			return vs[i].Column < vs[j].Column
		}
		return vs[i].RuleID < vs[j].RuleID
	})
}
