package secrets

import (
	"context"
	"fmt"

	"github.com/jkaninda/codexec/internal/config"
)

// NewResolverFromConfig returns a resolver for env:// and, when configured,
// vault:// references.
func NewResolverFromConfig(cfg config.SecretsConfig) (*Resolver, error) {
	providers := []Provider{NewEnvProvider()}
	if cfg.Vault != nil {
		v, err := NewVaultProvider(*cfg.Vault)
		if err != nil {
			return nil, err
		}
		providers = append(providers, v)
	}
	return NewResolver(providers...), nil
}

// ResolveConfig replaces secret references in tool headers, MCP server
// environments and generator headers in place.
func ResolveConfig(ctx context.Context, r *Resolver, cfg *config.Config) error {
	for i := range cfg.Tools.MCP {
		srv := &cfg.Tools.MCP[i]
		headers, err := r.Map(ctx, srv.Headers)
		if err != nil {
			return fmt.Errorf("mcp server %s headers: %w", srv.Name, err)
		}
		env, err := r.Map(ctx, srv.Env)
		if err != nil {
			return fmt.Errorf("mcp server %s env: %w", srv.Name, err)
		}
		srv.Headers, srv.Env = headers, env
	}
	for i := range cfg.Tools.REST {
		src := &cfg.Tools.REST[i]
		headers, err := r.Map(ctx, src.Headers)
		if err != nil {
			return fmt.Errorf("rest tool %s headers: %w", src.Name, err)
		}
		src.Headers = headers
	}
	headers, err := r.Map(ctx, cfg.Orchestrator.Generator.Headers)
	if err != nil {
		return fmt.Errorf("generator headers: %w", err)
	}
	cfg.Orchestrator.Generator.Headers = headers
	return nil
}
