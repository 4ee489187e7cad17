// Package tools defines the tool provider abstraction for codexec.
// A provider is an external tool source (an MCP server, a REST service, a set
// of Go functions) that can list its tools and invoke them by name.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"sync"
)

// ErrUnknownProvider is returned when a call names a provider that is not registered.
var ErrUnknownProvider = errors.New("unknown tool provider")

// ErrUnknownTool is returned by providers for calls to tools they do not have.
var ErrUnknownTool = errors.New("unknown tool")

// Tool describes one tool offered by a provider.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Provider    string         `json:"provider"`
}

// Result is the outcome of a tool invocation.
type Result struct {
	// Value is the structured result, as plain Go data.
	Value any `json:"value"`
	// Text is the textual form of the result, when the provider has one.
	Text     string         `json:"text,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider is an external source of tools.
type Provider interface {
	// Name returns the provider's unique identifier (e.g. "github").
	Name() string

	// Endpoints returns the host:port entries that code calling this
	// provider's tools needs to reach. Providers reached over stdio or in
	// process return none.
	Endpoints() []string

	// DiscoverTools lists the provider's tools.
	DiscoverTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)

	// Close releases the provider's connections.
	Close() error
}

// Unreachable returns a provider standing in for one that could not be set
// up. Discovery and calls report err, so the provider counts as failed in
// catalog builds instead of silently disappearing.
func Unreachable(name string, err error) Provider {
	return unreachable{name: name, err: err}
}

type unreachable struct {
	name string
	err  error
}

func (u unreachable) Name() string        { return u.name }
func (u unreachable) Endpoints() []string { return nil }
func (u unreachable) Close() error        { return nil }

func (u unreachable) DiscoverTools(context.Context) ([]Tool, error) {
	return nil, fmt.Errorf("provider unavailable: %w", u.err)
}

func (u unreachable) CallTool(context.Context, string, map[string]any) (*Result, error) {
	return nil, fmt.Errorf("provider unavailable: %w", u.err)
}

// MaxOutputBytes is the default cap for tool text output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userIDKey contextKey = iota

// ContextWithUserID returns a new context carrying the caller ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the caller ID from context, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Normalize converts v into plain JSON data: nil, bool, int64, float64,
// string, []any or map[string]any. Integral numbers become int64.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing tool result: %w", err)
	}
	return DecodeJSON(b)
}

// DecodeJSON decodes a JSON document into plain data, keeping integers as int64.
func DecodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return numbers(out), nil
}

func numbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, e := range v {
			v[i] = numbers(e)
		}
	case map[string]any:
		for k, e := range v {
			v[k] = numbers(e)
		}
	}
	return v
}

// EndpointFromURL returns the host:port a URL connects to, using the
// scheme's default port when none is given.
func EndpointFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Registry holds tool providers keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		panic("duplicate tool provider registration: " + p.Name())
	}
	r.providers[p.Name()] = p
}

// Get returns the provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns all registered providers, sorted by name.
func (r *Registry) All() []Provider {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(names))
	for _, n := range names {
		result = append(result, r.providers[n])
	}
	return result
}

// Endpoints returns the endpoints of every provider, deduplicated.
func (r *Registry) Endpoints() []string {
	var out []string
	for _, p := range r.All() {
		for _, e := range p.Endpoints() {
			if !slices.Contains(out, e) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Close closes every provider and returns the joined errors.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.All() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
