// Package secrets resolves credential references found in configuration.
// A value such as "env://GITHUB_TOKEN" or "vault://secret/data/ci#token" is
// replaced by the secret it names before a tool provider or the code
// generator is constructed. Generated code never sees these values: they
// only travel in headers and environments of host-side connections.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized into results or logs.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (e.g., path, field).
}

// Provider resolves credential references of one scheme.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a reference such as "env://MY_KEY" and returns the raw
	// secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the scheme handled, e.g. "env" for env:// references.
	Name() string
}

var (
	// ErrSecretNotFound is returned when a credential reference cannot be resolved.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownScheme is returned for references no provider handles.
	ErrUnknownScheme = errors.New("no secret provider for scheme")
)

// Scheme returns the scheme of a reference ("vault" for "vault://..."),
// or "" when the value is a literal.
func Scheme(value string) string {
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok || rest == "" || scheme == "" {
		return ""
	}
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return scheme
}

// Resolver routes references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a Resolver. Later providers replace earlier ones
// with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Value resolves a single value. Literals and schemes without a provider
// (such as "https://...") are returned unchanged.
func (r *Resolver) Value(ctx context.Context, value string) (string, error) {
	scheme := Scheme(value)
	if scheme == "" {
		return value, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return value, nil
	}
	s, err := p.Resolve(ctx, value)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// Map returns a copy of m with every reference resolved. Errors name the
// key, never the value.
func (r *Resolver) Map(ctx context.Context, m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := r.Value(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}
