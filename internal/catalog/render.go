package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.starlark.net/syntax"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/tools"
)

const generatedHeader = "# Generated by codexec. Do not edit.\n"

// parameters derives the generated function's parameters from a JSON
// schema: required properties in schema order, then optional ones sorted
// by name.
func parameters(schema map[string]any) ([]Parameter, error) {
	if schema == nil {
		return nil, nil
	}
	if t, ok := schema["type"].(string); ok && t != "object" {
		return nil, fmt.Errorf("input schema type is %q, not object", t)
	}
	props := map[string]any{}
	if raw, ok := schema["properties"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("input schema properties is not an object")
		}
		props = m
	}

	var required []string
	if raw, ok := schema["required"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			if strs, ok := raw.([]string); ok {
				for _, s := range strs {
					list = append(list, s)
				}
			} else {
				return nil, errors.New("input schema required is not a list")
			}
		}
		for _, r := range list {
			key, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("input schema required entry %v is not a string", r)
			}
			if !slices.Contains(required, key) {
				required = append(required, key)
			}
		}
	}

	var optional []string
	for key := range props {
		if !slices.Contains(required, key) {
			optional = append(optional, key)
		}
	}
	slices.Sort(optional)

	seen := map[string]string{}
	var out []Parameter
	add := func(key string, req bool) error {
		name, ok := safeIdentifier(key)
		if !ok {
			return fmt.Errorf("parameter %q has no usable identifier", key)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("parameters %q and %q both map to %q", other, key, name)
		}
		seen[name] = key
		p := Parameter{Name: name, Key: key, Required: req}
		if prop, ok := props[key].(map[string]any); ok {
			p.Type = schemaType(prop)
			p.Description, _ = prop["description"].(string)
		}
		out = append(out, p)
		return nil
	}
	for _, key := range required {
		if err := add(key, true); err != nil {
			return nil, err
		}
	}
	for _, key := range optional {
		if err := add(key, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func schemaType(prop map[string]any) string {
	switch t := prop["type"].(type) {
	case string:
		return t
	case []any:
		var parts []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	}
	if _, ok := prop["enum"]; ok {
		return "enum"
	}
	return ""
}

// renderToolModule renders <server>/<tool>.star.
func renderToolModule(server string, e ToolEntry) []byte {
	var b bytes.Buffer
	b.WriteString(generatedHeader)
	fmt.Fprintf(&b, "# Server: %s\n# Tool: %s\n#\n", server, oneLine(e.Tool))
	for _, line := range commentLines(e.Description) {
		fmt.Fprintf(&b, "# %s\n", line)
	}
	if len(e.Parameters) > 0 {
		b.WriteString("#\n# Args:\n")
		for _, p := range e.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			typ := p.Type
			if typ == "" {
				typ = "any"
			}
			fmt.Fprintf(&b, "#   %s (%s, %s)", p.Name, typ, req)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", oneLine(p.Description))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	params := make([]string, len(e.Parameters))
	var requiredArgs []string
	for i, p := range e.Parameters {
		params[i] = p.Name
		if p.Required {
			requiredArgs = append(requiredArgs, fmt.Sprintf("%s: %s", syntax.Quote(p.Key, false), p.Name))
		} else {
			params[i] += " = None"
		}
	}
	fmt.Fprintf(&b, "def %s(%s):\n", e.Name, strings.Join(params, ", "))
	fmt.Fprintf(&b, "    _args = {%s}\n", strings.Join(requiredArgs, ", "))
	for _, p := range e.Parameters {
		if p.Required {
			continue
		}
		fmt.Fprintf(&b, "    if %s != None:\n        _args[%s] = %s\n", p.Name, syntax.Quote(p.Key, false), p.Name)
	}
	fmt.Fprintf(&b, "    return call_tool(%s, %s, _args)\n", syntax.Quote(server, false), syntax.Quote(e.Name, false))
	return b.Bytes()
}

// renderServerModule renders <server>.star, re-exporting every tool.
func renderServerModule(idx *ServerIndex) []byte {
	var b bytes.Buffer
	b.WriteString(generatedHeader)
	fmt.Fprintf(&b, "# Server: %s (%d tools)\n", idx.Server, len(idx.Tools))
	if len(idx.Tools) == 0 {
		return b.Bytes()
	}
	b.WriteString("\n")
	for _, e := range idx.Tools {
		fmt.Fprintf(&b, "load(%s, _%s = %s)\n", syntax.Quote(e.Module, false), e.Name, syntax.Quote(e.Name, false))
	}
	b.WriteString("\n")
	for _, e := range idx.Tools {
		fmt.Fprintf(&b, "%s = _%s\n", e.Name, e.Name)
	}
	return b.Bytes()
}

// renderReadme renders <server>/README.md.
func renderReadme(idx *ServerIndex) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", idx.Server)
	fmt.Fprintf(&b, "Import all tools with `load(%q, ...)` or one tool with `load(\"%s/<tool>%s\", \"<tool>\")`.\n\n",
		idx.Module, interp.ModulePrefix+idx.Server, ModuleExt)
	for _, e := range idx.Tools {
		desc := oneLine(e.Description)
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- `%s`: %s\n", e.Signature(), desc)
	}
	return b.Bytes()
}

// oneLine returns the first line of s, trimmed and capped.
func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return tools.TruncateOutput(s, 200)
}

func commentLines(s string) []string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return lines
}
