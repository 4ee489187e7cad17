// Package gateway defines the interface for the entry points that expose
// the executor and the catalog (HTTP API, MCP server).
package gateway

import "context"

// Gateway is a long-running entry point.
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
