// Package local implements a tool provider over plain Go functions, for
// function-calling backends and tests.
package local

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jkaninda/codexec/internal/tools"
)

// Func implements a tool.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one function tool.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Func        Func
}

// Provider serves a fixed set of Go functions as tools.
type Provider struct {
	name string

	mu    sync.RWMutex
	funcs map[string]Definition
}

// New creates a provider with the given tools.
func New(name string, defs ...Definition) *Provider {
	p := &Provider{name: name, funcs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		p.Add(d)
	}
	return p
}

// Add registers a tool. Panics on duplicate names (startup config error, not runtime).
func (p *Provider) Add(d Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.funcs[d.Name]; exists {
		panic("duplicate local tool registration: " + d.Name)
	}
	if d.InputSchema == nil {
		d.InputSchema = map[string]any{"type": "object"}
	}
	p.funcs[d.Name] = d
}

func (p *Provider) Name() string { return p.name }

// Endpoints returns nothing: local tools run in the host process.
func (p *Provider) Endpoints() []string { return nil }

// DiscoverTools lists the registered functions, sorted by name.
func (p *Provider) DiscoverTools(context.Context) ([]tools.Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := slices.Sorted(maps.Keys(p.funcs))
	out := make([]tools.Tool, 0, len(names))
	for _, n := range names {
		d := p.funcs[n]
		out = append(out, tools.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Provider:    p.name,
		})
	}
	return out, nil
}

// CallTool runs the function. A returned error is reported as a tool error
// result so the calling code can handle it.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	p.mu.RLock()
	d, ok := p.funcs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local provider %q: %w: %s", p.name, tools.ErrUnknownTool, name)
	}

	v, err := d.Func(ctx, args)
	if err != nil {
		return &tools.Result{Text: err.Error(), Value: err.Error(), IsError: true}, nil
	}
	norm, err := tools.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("local tool %s/%s: %w", p.name, name, err)
	}
	res := &tools.Result{Value: norm}
	if s, ok := norm.(string); ok {
		res.Text = s
	}
	return res, nil
}

func (p *Provider) Close() error { return nil }
