package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jkaninda/codexec/internal/tools"
)

// ErrInvalidArguments is returned when tool arguments do not match the tool's input schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ToolError is a tool invocation the provider reported as failed.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s.%s failed", e.Server, e.Tool)
	}
	return fmt.Sprintf("tool %s.%s failed: %s", e.Server, e.Tool, e.Message)
}

// Dispatcher routes call_tool invocations from generated code to the
// provider that owns the tool. It validates arguments against the catalog
// schema before calling out.
type Dispatcher struct {
	registry *tools.Registry
	logger   *slog.Logger

	current atomic.Pointer[Catalog]

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewDispatcher creates a dispatcher over cat. cat may be nil until the
// first Reload.
func NewDispatcher(cat *Catalog, registry *tools.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{registry: registry, logger: logger, schemas: map[string]*jsonschema.Schema{}}
	if cat != nil {
		d.current.Store(cat)
	}
	return d
}

// Reload switches to a newly opened catalog.
func (d *Dispatcher) Reload(cat *Catalog) {
	d.current.Store(cat)
	d.mu.Lock()
	clear(d.schemas)
	d.mu.Unlock()
}

// Catalog returns the catalog calls are resolved against, or nil.
func (d *Dispatcher) Catalog() *Catalog {
	return d.current.Load()
}

// CallTool resolves server and tool in the catalog, validates args and
// invokes the provider. A result the provider flags as an error is returned
// as a *ToolError.
func (d *Dispatcher) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	cat := d.current.Load()
	if cat == nil {
		return nil, ErrNotBuilt
	}
	idx, entry, err := cat.Tool(server, tool)
	if err != nil {
		return nil, err
	}
	provider := d.registry.Get(idx.Provider)
	if provider == nil {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownProvider, idx.Provider)
	}
	if args == nil {
		args = map[string]any{}
	}

	if sch := d.schema(cat, idx.Server, entry.Name); sch != nil {
		if err := sch.Validate(args); err != nil {
			return nil, fmt.Errorf("%w for %s.%s: %v", ErrInvalidArguments, idx.Server, entry.Name, err)
		}
	}

	res, err := provider.CallTool(ctx, entry.Tool, args)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", idx.Server, entry.Name, err)
	}
	if res == nil {
		return nil, nil
	}
	if res.IsError {
		msg := res.Text
		if msg == "" && res.Value != nil {
			msg = fmt.Sprint(res.Value)
		}
		return nil, &ToolError{Server: idx.Server, Tool: entry.Name, Message: msg}
	}
	if res.Value == nil && res.Text != "" {
		return res.Text, nil
	}
	return tools.Normalize(res.Value)
}

// schema returns the compiled input schema of a tool, or nil when it
// cannot be compiled.
func (d *Dispatcher) schema(cat *Catalog, server, tool string) *jsonschema.Schema {
	key := cat.Generation() + "/" + server + "/" + tool
	d.mu.Lock()
	sch, ok := d.schemas[key]
	d.mu.Unlock()
	if ok {
		return sch
	}

	sch, err := compileSchema(cat, server, tool)
	if err != nil {
		d.logger.Warn("tool schema not usable, skipping argument validation",
			slog.String("server", server),
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	}
	d.mu.Lock()
	d.schemas[key] = sch
	d.mu.Unlock()
	return sch
}

func compileSchema(cat *Catalog, server, tool string) (*jsonschema.Schema, error) {
	data, err := cat.SchemaJSON(server, tool)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	url := "mem://codexec/" + server + "/" + tool + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
