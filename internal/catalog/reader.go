package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/codexec/internal/workspace"
)

// Catalog is a read-only view of one catalog generation. Open resolves the
// servers link once, so a Catalog keeps reading the generation it was opened
// on even if a build swaps in a newer one.
type Catalog struct {
	dir     string
	root    RootIndex
	servers map[string]*ServerIndex
}

// Open loads the current catalog of the workspace.
func Open(ws *workspace.Workspace) (*Catalog, error) {
	return OpenDir(ws.ServersPath())
}

// OpenDir loads the catalog rooted at dir.
func OpenDir(dir string) (*Catalog, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotBuilt
		}
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	c := &Catalog{dir: resolved, servers: map[string]*ServerIndex{}}
	if err := readJSON(filepath.Join(resolved, IndexFile), &c.root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotBuilt
		}
		return nil, err
	}
	for _, s := range c.root.Servers {
		var idx ServerIndex
		if err := readJSON(filepath.Join(resolved, s.Name, IndexFile), &idx); err != nil {
			return nil, fmt.Errorf("reading server %s: %w", s.Name, err)
		}
		c.servers[s.Name] = &idx
	}
	return c, nil
}

// Generation returns the generation name the catalog was read from.
func (c *Catalog) Generation() string { return c.root.Generation }

// GeneratedAt returns the time the catalog was built.
func (c *Catalog) GeneratedAt() time.Time { return c.root.GeneratedAt }

// Servers lists the catalog's servers, sorted by name.
func (c *Catalog) Servers() []ServerSummary {
	out := make([]ServerSummary, len(c.root.Servers))
	copy(out, c.root.Servers)
	return out
}

// Server returns the index of one server.
func (c *Catalog) Server(name string) (*ServerIndex, error) {
	idx, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return idx, nil
}

// Tool finds a tool by its catalog name, falling back to the name the
// provider uses.
func (c *Catalog) Tool(server, name string) (*ServerIndex, *ToolEntry, error) {
	idx, err := c.Server(server)
	if err != nil {
		return nil, nil, err
	}
	for i := range idx.Tools {
		if idx.Tools[i].Name == name {
			return idx, &idx.Tools[i], nil
		}
	}
	for i := range idx.Tools {
		if idx.Tools[i].Tool == name {
			return idx, &idx.Tools[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownTool, server, name)
}

// Tools returns a summary of every tool, ordered by server then tool name.
func (c *Catalog) Tools() []ToolSummary {
	var out []ToolSummary
	for _, s := range c.root.Servers {
		idx := c.servers[s.Name]
		for _, e := range idx.Tools {
			out = append(out, ToolSummary{
				Server:      idx.Server,
				Name:        e.Name,
				Description: e.Description,
				Module:      e.Module,
				Signature:   e.Signature(),
			})
		}
	}
	return out
}

// Search returns the tools whose server, name or description contains
// every word of query, case-insensitively. An empty query matches all tools.
func (c *Catalog) Search(query string) []ToolSummary {
	words := strings.Fields(strings.ToLower(query))
	all := c.Tools()
	if len(words) == 0 {
		return all
	}
	var out []ToolSummary
	for _, t := range all {
		hay := strings.ToLower(t.Server + " " + t.Name + " " + t.Description)
		match := true
		for _, w := range words {
			if !strings.Contains(hay, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, t)
		}
	}
	return out
}

// SchemaJSON returns the stored input schema of a tool.
func (c *Catalog) SchemaJSON(server, name string) ([]byte, error) {
	idx, entry, err := c.Tool(server, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(c.dir, idx.Server, SchemasDir, entry.Name+".json"))
}

// Schema returns the stored input schema of a tool as plain data.
func (c *Catalog) Schema(server, name string) (map[string]any, error) {
	data, err := c.SchemaJSON(server, name)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding schema of %s.%s: %w", server, name, err)
	}
	return out, nil
}

// Readme returns the README of one server.
func (c *Catalog) Readme(server string) (string, error) {
	idx, err := c.Server(server)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(c.dir, idx.Server, ReadmeFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
