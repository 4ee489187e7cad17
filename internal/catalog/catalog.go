// Package catalog turns discovered tools into an importable, on-disk module
// tree and reads it back.
//
// Layout under <workspace>/servers:
//
//	index.json                 servers, tool counts, generation time
//	<server>.star              re-exports every tool of the server
//	<server>/index.json        tool names, descriptions, modules, parameters
//	<server>/README.md         one line per tool
//	<server>/<tool>.star       def <tool>(...) calling call_tool
//	<server>/schemas/<tool>.json  full input schema
package catalog

import (
	"errors"
	"time"
)

var (
	// ErrDiscoveryFailed is returned when no provider could be discovered.
	ErrDiscoveryFailed = errors.New("tool discovery failed")

	// ErrNotBuilt is returned when the workspace has no catalog yet.
	ErrNotBuilt = errors.New("tool catalog has not been built")

	// ErrUnknownServer is returned for servers that are not in the catalog.
	ErrUnknownServer = errors.New("unknown server")

	// ErrUnknownTool is returned for tools that are not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")
)

// File and directory names inside the catalog.
const (
	IndexFile  = "index.json"
	ReadmeFile = "README.md"
	SchemasDir = "schemas"
	ModuleExt  = ".star"
)

// Parameter is one argument of a generated tool function.
type Parameter struct {
	// Name is the identifier used in generated code.
	Name string `json:"name"`
	// Key is the argument name the provider expects.
	Key         string `json:"key"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ToolEntry describes one generated tool module.
type ToolEntry struct {
	// Name is the module and function name.
	Name string `json:"name"`
	// Tool is the name the provider knows the tool by.
	Tool        string      `json:"tool"`
	Description string      `json:"description"`
	Module      string      `json:"module"`
	Parameters  []Parameter `json:"parameters"`
}

// Signature renders the function signature, e.g. "get(id, lang=None)".
func (e ToolEntry) Signature() string {
	s := e.Name + "("
	for i, p := range e.Parameters {
		if i > 0 {
			s += ", "
		}
		s += p.Name
		if !p.Required {
			s += "=None"
		}
	}
	return s + ")"
}

// ServerIndex is the content of <server>/index.json.
type ServerIndex struct {
	Server   string      `json:"server"`
	Provider string      `json:"provider"`
	Module   string      `json:"module"`
	Tools    []ToolEntry `json:"tools"`

	schemas map[string]map[string]any
}

// ServerSummary is one server in the root index.
type ServerSummary struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Module   string `json:"module"`
	Tools    int    `json:"tools"`
}

// RootIndex is the content of servers/index.json.
type RootIndex struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Generation  string          `json:"generation"`
	Servers     []ServerSummary `json:"servers"`
}

// ToolSummary is the compact view of a tool handed to code generators.
type ToolSummary struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Module      string `json:"module"`
	Signature   string `json:"signature"`
}

// Warning records a provider or tool that was left out of the catalog.
type Warning struct {
	Server  string `json:"server"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

// Summary describes a completed build.
type Summary struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Generation  string          `json:"generation"`
	Servers     []ServerSummary `json:"servers"`
	Tools       int             `json:"tools"`
	Warnings    []Warning       `json:"warnings,omitempty"`
}
