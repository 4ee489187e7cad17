// Package mcp adapts MCP (Model Context Protocol) servers into tool providers.
// Each configured server becomes one tools.Provider whose tools are listed
// through the MCP handshake and invoked with tools/call.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/codexec/internal/config"
	"github.com/jkaninda/codexec/internal/tools"
)

// clientVersion is reported to servers during the initialize handshake.
const clientVersion = "0.1.0"

// Provider is a connected MCP server.
type Provider struct {
	name      string
	transport string
	endpoints []string
	client    *mcpclient.Client
	logger    *slog.Logger
}

// New connects to the server described by cfg and performs the initialize
// handshake. The connection stays open until Close.
func New(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Provider, error) {
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	p := &Provider{name: cfg.Name, transport: cfg.Transport, client: c, logger: logger}
	if cfg.URL != "" {
		endpoint, err := tools.EndpointFromURL(cfg.URL)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("MCP server %q: %w", cfg.Name, err)
		}
		p.endpoints = []string{endpoint}
	}
	if err := p.connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

// NewInProcess connects to an MCP server living in the same process.
func NewInProcess(ctx context.Context, name string, srv *server.MCPServer, logger *slog.Logger) (*Provider, error) {
	c, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process MCP client for %q: %w", name, err)
	}
	p := &Provider{name: name, transport: "inprocess", client: c, logger: logger}
	if err := p.connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

func (p *Provider) connect(ctx context.Context) error {
	// The SSE stream lives as long as the context given to Start.
	if err := p.client.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("MCP start for %q: %w", p.name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "codexec",
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	res, err := p.client.Initialize(ctx, initReq)
	if err != nil {
		return fmt.Errorf("MCP initialize for %q: %w", p.name, err)
	}

	p.logger.Info("MCP server connected",
		slog.String("server", p.name),
		slog.String("transport", p.transport),
		slog.String("server_name", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
	)
	return nil
}

func (p *Provider) Name() string { return p.name }

// Endpoints returns the server's host:port for URL transports.
func (p *Provider) Endpoints() []string { return p.endpoints }

// DiscoverTools lists the server's tools.
func (p *Provider) DiscoverTools(ctx context.Context) ([]tools.Tool, error) {
	listResp, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", p.name, err)
	}
	out := make([]tools.Tool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		out = append(out, tools.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t),
			Provider:    p.name,
		})
	}
	p.logger.Debug("MCP tools discovered",
		slog.String("server", p.name),
		slog.Int("tools_discovered", len(out)),
	)
	return out, nil
}

// CallTool invokes a tool on the server. Structured content is returned as
// the result value; otherwise a single JSON text item is decoded, and any
// other content is returned as text.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	start := time.Now()
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	callResult, err := p.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s failed: %w", p.name, name, err)
	}

	text := tools.TruncateOutput(formatMCPContent(callResult.Content), tools.MaxOutputBytes)
	res := &tools.Result{
		Text:    text,
		IsError: callResult.IsError,
		Metadata: map[string]any{
			"mcp_server":    p.name,
			"mcp_tool":      name,
			"content_items": len(callResult.Content),
		},
	}
	switch {
	case callResult.StructuredContent != nil:
		v, err := tools.Normalize(callResult.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("MCP call to %s/%s: %w", p.name, name, err)
		}
		res.Value = v
	case len(callResult.Content) == 1 && looksLikeJSON(text):
		if v, err := tools.DecodeJSON([]byte(text)); err == nil {
			res.Value = v
		} else {
			res.Value = text
		}
	default:
		res.Value = text
	}

	p.logger.DebugContext(ctx, "mcp tool executed",
		slog.String("server", p.name),
		slog.String("tool", name),
		slog.Bool("is_error", callResult.IsError),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// Close shuts down the client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// formatMCPContent converts MCP content items to a single string.
func formatMCPContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// For non-text content (image, audio, resource), serialize as JSON.
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := expandEnvMap(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema converts an MCP tool's input schema to a JSON Schema map.
func convertInputSchema(t mcp.Tool) map[string]any {
	if len(t.RawInputSchema) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(t.RawInputSchema, &raw); err == nil {
			return raw
		}
	}
	schema := t.InputSchema
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}
	result := map[string]any{
		"type": typ,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	if len(schema.Defs) > 0 {
		result["$defs"] = schema.Defs
	}
	if schema.AdditionalProperties != nil {
		result["additionalProperties"] = schema.AdditionalProperties
	}
	return result
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
