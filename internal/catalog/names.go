package catalog

import (
	"strings"
	"unicode"
)

// reserved are words generated code cannot use as identifiers, names the
// generated modules rely on, and names the security rules refuse to see
// called (eval, os, ...).
var reserved = map[string]bool{
	"and": true, "break": true, "continue": true, "def": true, "elif": true, "else": true,
	"for": true, "if": true, "in": true, "lambda": true, "load": true, "not": true, "or": true,
	"pass": true, "return": true, "while": true,
	"as": true, "assert": true, "async": true, "await": true, "class": true, "del": true,
	"except": true, "finally": true, "from": true, "global": true, "import": true, "is": true,
	"nonlocal": true, "raise": true, "try": true, "with": true, "yield": true,
	"None": true, "True": true, "False": true, "call_tool": true, "_args": true,
	"eval": true, "exec": true, "execfile": true, "compile": true,
	"os": true, "subprocess": true, "socket": true, "pty": true, "ctypes": true, "commands": true,
	"builtins": true,
}

// Identifier turns a provider or tool name into a lowercase identifier made
// of [a-z0-9_]. CamelCase becomes snake_case, other characters become
// underscores, and names starting with a digit are prefixed with "t". It
// reports false when nothing usable remains.
func Identifier(name string) (string, bool) {
	var b strings.Builder
	runes := []rune(name)
	pendingSep := false
	for i, r := range runes {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if unicode.IsUpper(r) && i > 0 && b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					pendingSep = true
				}
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	id := b.String()
	if id == "" {
		return "", false
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "t" + id
	}
	return id, true
}

// safeIdentifier is Identifier with reserved words suffixed by "_".
func safeIdentifier(name string) (string, bool) {
	id, ok := Identifier(name)
	if !ok {
		return "", false
	}
	if reserved[id] {
		id += "_"
	}
	return id, true
}
