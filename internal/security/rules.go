package security

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"github.com/jkaninda/codexec/internal/interp"
)

// Built-in rule identifiers.
const (
	RuleDangerousImport  = "dangerous-import"
	RuleDangerousCall    = "dangerous-call"
	RuleFilesystemAccess = "filesystem-access"
	RuleUnboundedLoop    = "unbounded-loop"
	RuleResultUnassigned = "result-unassigned"
)

// CatalogModulePrefix is the load() prefix of generated tool modules.
const CatalogModulePrefix = "servers/"

var (
	defaultBlockedModules = []string{
		"os", "subprocess", "socket", "sys", "shutil", "ctypes", "pty", "multiprocessing",
		"signal", "posix", "nt", "commands", "popen2", "asyncio.subprocess", "http.client",
		"urllib", "urllib2", "urllib3", "requests", "httpx", "ftplib", "telnetlib", "smtplib",
		"paramiko", "pickle", "marshal", "builtins", "__builtin__", "code", "codeop",
	}
	defaultAllowedModules = []string{
		"os.path", "importlib", "inspect", "pathlib", "json", "math", "time",
	}
	defaultBlockedCalls = []string{
		"eval", "exec", "execfile", "compile", "__import__",
		"builtins.eval", "builtins.exec", "builtins.compile", "__builtins__.",
		"os.system", "os.popen", "os.exec", "os.spawn", "os.posix_spawn", "os.fork", "os.kill",
		"os.killpg", "subprocess.", "pty.", "ctypes.", "socket.", "commands.",
	}
	dangerousAttributes = []string{
		"system", "popen", "execl", "execle", "execlp", "execv", "execve", "execvp",
		"spawnl", "spawnv", "fork", "kill", "__import__", "eval", "exec", "compile",
	}
	defaultSensitivePaths = []string{
		"/etc", "/home", "/var", "/root", "/proc", "/sys", "/dev", "/boot", "/usr", "/private",
		"/Users", `C:\Windows`, `C:\Users`,
	}
)

// RuleConfig extends the built-in rule lists.
type RuleConfig struct {
	BlockedModules []string
	AllowedModules []string
	BlockedCalls   []string
	SensitivePaths []string
}

// DefaultRules returns the built-in rule set extended with cfg.
func DefaultRules(cfg RuleConfig) []Rule {
	return []Rule{
		NewImportRule(cfg.BlockedModules, cfg.AllowedModules),
		NewCallRule(cfg.BlockedCalls),
		NewPathRule(cfg.SensitivePaths),
		UnboundedLoopRule{},
		ResultAssignmentRule{},
	}
}

// ImportRule blocks load() of modules that expose process, OS or network
// primitives outside the tool-calling path.
type ImportRule struct {
	blocked map[string]bool
	allowed map[string]bool
}

// NewImportRule creates an ImportRule with extra blocked and allowed modules.
func NewImportRule(blocked, allowed []string) *ImportRule {
	return &ImportRule{
		blocked: toSet(defaultBlockedModules, blocked),
		allowed: toSet(defaultAllowedModules, allowed),
	}
}

func (r *ImportRule) ID() string         { return RuleDangerousImport }
func (r *ImportRule) Severity() Severity { return SeverityBlock }
func (r *ImportRule) Description() string {
	return "blocks loading modules that grant process, OS or network primitives"
}

func (r *ImportRule) Check(src *Source) []Violation {
	var out []Violation
	walk(src.File, func(n syntax.Node) bool {
		load, ok := n.(*syntax.LoadStmt)
		if !ok {
			return true
		}
		module, _ := load.Module.Value.(string)
		if strings.HasPrefix(module, CatalogModulePrefix) {
			return false
		}
		name := moduleName(module)
		switch {
		case r.allowed[name]:
		case r.isBlocked(name):
			out = append(out, src.Violation(r, SeverityBlock, load,
				fmt.Sprintf("load of module %q is not allowed", module)))
		default:
			out = append(out, src.Violation(r, SeverityInfo, load,
				fmt.Sprintf("module %q is not part of the tool catalog", module)))
		}
		return false
	})
	return out
}

var (
	pyImport     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	pyFromImport = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
)

// CheckImportLines finds Python import statements naming blocked modules.
// Such code never parses, so this runs on the raw text to cite the module
// next to the syntax error.
func (r *ImportRule) CheckImportLines(code string) []Violation {
	var out []Violation
	for i, line := range strings.Split(code, "\n") {
		var modules []string
		if m := pyFromImport.FindStringSubmatch(line); m != nil {
			modules = []string{m[1]}
		} else if m := pyImport.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				if fields := strings.Fields(part); len(fields) > 0 {
					modules = append(modules, fields[0])
				}
			}
		}
		for _, module := range modules {
			if r.allowed[module] || !r.isBlocked(module) {
				continue
			}
			out = append(out, Violation{
				RuleID:   r.ID(),
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("import of module %q is not allowed; call tools through load(\"%s...\") instead", module, CatalogModulePrefix),
				Line:     i + 1,
				Column:   strings.Index(line, strings.TrimSpace(line)) + 1,
				Snippet:  strings.TrimSpace(line),
			})
		}
	}
	return out
}

func (r *ImportRule) isBlocked(name string) bool {
	for {
		if r.blocked[name] {
			return true
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			return false
		}
		name = name[:i]
	}
}

// moduleName normalizes "os/path.star" and "os.path" to "os.path".
func moduleName(module string) string {
	name := strings.TrimPrefix(module, "@")
	name = strings.TrimPrefix(name, "//")
	for _, ext := range []string{".star", ".py", ".bzl"} {
		name = strings.TrimSuffix(name, ext)
	}
	return strings.ReplaceAll(name, "/", ".")
}

// CallRule blocks calls to code-evaluation and OS command primitives,
// including references that alias them and getattr lookups by literal name.
type CallRule struct {
	exact    map[string]bool
	prefixes []string
	attrs    map[string]bool
}

// NewCallRule creates a CallRule with extra blocked names. Names ending in
// "." or naming a family ("os.exec") match as prefixes.
func NewCallRule(extra []string) *CallRule {
	r := &CallRule{exact: make(map[string]bool), attrs: toSet(dangerousAttributes, nil)}
	for _, name := range append(append([]string{}, defaultBlockedCalls...), extra...) {
		if strings.Contains(name, ".") {
			r.prefixes = append(r.prefixes, name)
			continue
		}
		r.exact[name] = true
	}
	return r
}

func (r *CallRule) ID() string         { return RuleDangerousCall }
func (r *CallRule) Severity() Severity { return SeverityBlock }
func (r *CallRule) Description() string {
	return "blocks eval/exec-style evaluation and OS command execution"
}

func (r *CallRule) Check(src *Source) []Violation {
	bound := catalogBindings(src.File)
	blocked := func(name string) bool {
		root, _, _ := strings.Cut(name, ".")
		return !bound[root] && r.matches(name)
	}

	var out []Violation
	var visit func(syntax.Node) bool
	visit = func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.CallExpr:
			name := dottedName(n.Fn)
			if blocked(name) {
				out = append(out, src.Violation(r, SeverityBlock, n, fmt.Sprintf("call to %s is not allowed", name)))
				walkArgs(n.Args, visit)
				return false
			}
			if name == "getattr" && len(n.Args) >= 2 {
				if lit, ok := n.Args[1].(*syntax.Literal); ok {
					if attr, ok := lit.Value.(string); ok && r.attrs[attr] {
						out = append(out, src.Violation(r, SeverityBlock, n,
							fmt.Sprintf("getattr lookup of %q is not allowed", attr)))
					}
				}
			}
			walk(n.Fn, visit)
			walkArgs(n.Args, visit)
			return false
		case *syntax.DotExpr:
			if name := dottedName(n); blocked(name) {
				out = append(out, src.Violation(r, SeverityBlock, n, fmt.Sprintf("reference to %s is not allowed", name)))
				return false
			}
		case *syntax.Ident:
			if r.exact[n.Name] && !bound[n.Name] {
				out = append(out, src.Violation(r, SeverityBlock, n, fmt.Sprintf("reference to %s is not allowed", n.Name)))
			}
		}
		return true
	}
	walk(src.File, visit)
	return out
}

// catalogBindings returns the names bound by top-level load() statements of
// catalog modules. They refer to generated tool functions, whatever they are
// called.
func catalogBindings(f *syntax.File) map[string]bool {
	bound := map[string]bool{}
	for _, stmt := range f.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		if module, _ := load.Module.Value.(string); !strings.HasPrefix(module, CatalogModulePrefix) {
			continue
		}
		for _, id := range load.To {
			bound[id.Name] = true
		}
	}
	return bound
}

// walkArgs visits call arguments, skipping the names of keyword arguments.
func walkArgs(args []syntax.Expr, visit func(syntax.Node) bool) {
	for _, arg := range args {
		if kw, ok := arg.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
			if _, ok := kw.X.(*syntax.Ident); ok {
				walk(kw.Y, visit)
				continue
			}
		}
		walk(arg, visit)
	}
}

func (r *CallRule) matches(name string) bool {
	if name == "" {
		return false
	}
	if r.exact[name] {
		return true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// PathRule warns about string literals that point at system directories or
// climb out of the working directory. FileSystemPolicy does the enforcing.
type PathRule struct {
	paths []string
}

// NewPathRule creates a PathRule with extra sensitive directories.
func NewPathRule(extra []string) *PathRule {
	return &PathRule{paths: append(append([]string{}, defaultSensitivePaths...), extra...)}
}

func (r *PathRule) ID() string         { return RuleFilesystemAccess }
func (r *PathRule) Severity() Severity { return SeverityWarn }
func (r *PathRule) Description() string {
	return "warns about literal paths into system directories or parent traversal"
}

func (r *PathRule) Check(src *Source) []Violation {
	var out []Violation
	walk(src.File, func(n syntax.Node) bool {
		lit, ok := n.(*syntax.Literal)
		if !ok || lit.Token != syntax.STRING {
			return true
		}
		s, _ := lit.Value.(string)
		if reason := r.classify(s); reason != "" {
			out = append(out, src.Violation(r, SeverityWarn, lit, fmt.Sprintf("%s: %q", reason, s)))
		}
		return true
	})
	return out
}

func (r *PathRule) classify(s string) string {
	if s == ".." || strings.HasPrefix(s, "../") || strings.Contains(s, "/../") || strings.HasSuffix(s, "/..") ||
		strings.Contains(s, `..\`) {
		return "path traversal"
	}
	if strings.HasPrefix(s, "~/") || s == "~" {
		return "home directory path"
	}
	for _, p := range r.paths {
		if strings.EqualFold(s, p) || hasPathPrefix(s, p) {
			return "system directory path"
		}
	}
	return ""
}

func hasPathPrefix(s, dir string) bool {
	if len(s) <= len(dir) || !strings.EqualFold(s[:len(dir)], dir) {
		return false
	}
	c := s[len(dir)]
	return c == '/' || c == '\\'
}

// UnboundedLoopRule warns about while loops with a constant-true condition
// and no break, return or fail() in their body.
type UnboundedLoopRule struct{}

func (UnboundedLoopRule) ID() string         { return RuleUnboundedLoop }
func (UnboundedLoopRule) Severity() Severity { return SeverityWarn }
func (UnboundedLoopRule) Description() string {
	return "warns about while loops without an obvious termination"
}

func (r UnboundedLoopRule) Check(src *Source) []Violation {
	var out []Violation
	walk(src.File, func(n syntax.Node) bool {
		loop, ok := n.(*syntax.WhileStmt)
		if ok && alwaysTrue(loop.Cond) && !loopExits(loop.Body, false) {
			out = append(out, src.Violation(r, SeverityWarn, loop, "loop condition is always true and the body never breaks"))
		}
		return true
	})
	return out
}

func alwaysTrue(x syntax.Expr) bool {
	switch x := x.(type) {
	case *syntax.ParenExpr:
		return alwaysTrue(x.X)
	case *syntax.Ident:
		return x.Name == "True"
	case *syntax.Literal:
		switch v := x.Value.(type) {
		case int64:
			return v != 0
		case *big.Int:
			return v.Sign() != 0
		case float64:
			return v != 0
		case string:
			return v != ""
		}
	}
	return false
}

// loopExits reports whether stmts contain a break that targets the enclosing
// loop, or a return or fail() anywhere outside nested functions.
func loopExits(stmts []syntax.Stmt, nested bool) bool {
	for _, s := range stmts {
		switch s := s.(type) {
		case *syntax.BranchStmt:
			if s.Token == syntax.BREAK && !nested {
				return true
			}
		case *syntax.ReturnStmt:
			return true
		case *syntax.ExprStmt:
			if call, ok := s.X.(*syntax.CallExpr); ok && dottedName(call.Fn) == "fail" {
				return true
			}
		case *syntax.IfStmt:
			if loopExits(s.True, nested) || loopExits(s.False, nested) {
				return true
			}
		case *syntax.ForStmt:
			if loopExits(s.Body, true) {
				return true
			}
		case *syntax.WhileStmt:
			if loopExits(s.Body, true) {
				return true
			}
		}
	}
	return false
}

// ResultAssignmentRule notes code that never assigns the reserved result
// variable at top level. Such code still runs; the result is None.
type ResultAssignmentRule struct{}

func (ResultAssignmentRule) ID() string         { return RuleResultUnassigned }
func (ResultAssignmentRule) Severity() Severity { return SeverityInfo }
func (ResultAssignmentRule) Description() string {
	return "notes code that never assigns " + interp.ResultVar
}

func (r ResultAssignmentRule) Check(src *Source) []Violation {
	if assignsResult(src.File.Stmts) {
		return nil
	}
	return []Violation{{
		RuleID:   r.ID(),
		Severity: SeverityInfo,
		Message:  interp.ResultVar + " is never assigned; the execution will return no result",
		Line:     1,
		Snippet:  src.Snippet(1),
	}}
}

func assignsResult(stmts []syntax.Stmt) bool {
	for _, s := range stmts {
		switch s := s.(type) {
		case *syntax.AssignStmt:
			if bindsResult(s.LHS) {
				return true
			}
		case *syntax.IfStmt:
			if assignsResult(s.True) || assignsResult(s.False) {
				return true
			}
		case *syntax.ForStmt:
			if bindsResult(s.Vars) || assignsResult(s.Body) {
				return true
			}
		case *syntax.WhileStmt:
			if assignsResult(s.Body) {
				return true
			}
		case *syntax.LoadStmt:
			for _, local := range s.From {
				if local.Name == interp.ResultVar {
					return true
				}
			}
		}
	}
	return false
}

func bindsResult(x syntax.Expr) bool {
	switch x := x.(type) {
	case *syntax.Ident:
		return x.Name == interp.ResultVar
	case *syntax.ParenExpr:
		return bindsResult(x.X)
	case *syntax.TupleExpr:
		for _, e := range x.List {
			if bindsResult(e) {
				return true
			}
		}
	case *syntax.ListExpr:
		for _, e := range x.List {
			if bindsResult(e) {
				return true
			}
		}
	}
	return false
}

func toSet(base, extra []string) map[string]bool {
	set := make(map[string]bool, len(base)+len(extra))
	for _, s := range base {
		set[s] = true
	}
	for _, s := range extra {
		set[strings.TrimSpace(s)] = true
	}
	return set
}
