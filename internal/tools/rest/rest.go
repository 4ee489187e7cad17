// Package rest implements a tool provider backed by a plain HTTP service.
//
// The service lists its tools at GET <base>/tools, either as a JSON array or
// as {"tools": [...]}, each entry carrying name, description and an input
// schema (input_schema, inputSchema or parameters). A tool is invoked with
// POST <base>/tools/<name> and a JSON object of arguments.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/codexec/internal/config"
	"github.com/jkaninda/codexec/internal/tools"
)

const (
	toolsPath = "/tools"

	// maxResponseBytes caps response bodies read from the service.
	maxResponseBytes = 8 << 20
)

// Provider is a REST tool source.
type Provider struct {
	name       string
	baseURL    string
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// New creates a provider for the service described by cfg.
func New(cfg config.RESTToolConfig, logger *slog.Logger, opts ...Option) (*Provider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("rest provider %q: invalid base url: %w", cfg.Name, err)
	}
	endpoint, err := tools.EndpointFromURL(base)
	if err != nil {
		return nil, fmt.Errorf("rest provider %q: %w", cfg.Name, err)
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	p := &Provider{
		name:       cfg.Name,
		baseURL:    base,
		endpoint:   endpoint,
		headers:    headers,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// Endpoints returns the service's host:port.
func (p *Provider) Endpoints() []string { return []string{p.endpoint} }

type toolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	AltSchema   map[string]any `json:"inputSchema"`
	Parameters  map[string]any `json:"parameters"`
}

func (e toolEntry) schema() map[string]any {
	switch {
	case e.InputSchema != nil:
		return e.InputSchema
	case e.AltSchema != nil:
		return e.AltSchema
	case e.Parameters != nil:
		return e.Parameters
	}
	return map[string]any{"type": "object"}
}

// DiscoverTools fetches the service's tool list.
func (p *Provider) DiscoverTools(ctx context.Context) ([]tools.Tool, error) {
	status, body, _, err := p.do(ctx, http.MethodGet, p.baseURL+toolsPath, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rest provider %q: listing tools: status %d: %s", p.name, status, tools.TruncateOutput(string(body), 512))
	}

	var entries []toolEntry
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &entries)
	} else {
		var wrapped struct {
			Tools []toolEntry `json:"tools"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		entries = wrapped.Tools
	}
	if err != nil {
		return nil, fmt.Errorf("rest provider %q: parsing tool list: %w", p.name, err)
	}

	out := make([]tools.Tool, 0, len(entries))
	for _, e := range entries {
		out = append(out, tools.Tool{
			Name:        e.Name,
			Description: e.Description,
			InputSchema: e.schema(),
			Provider:    p.name,
		})
	}
	p.logger.Debug("rest tools discovered",
		slog.String("provider", p.name),
		slog.Int("tools_discovered", len(out)),
	)
	return out, nil
}

// CallTool posts args to the tool's endpoint. Non-2xx responses are tool
// errors, not transport errors.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling arguments: %w", err)
	}

	start := time.Now()
	status, body, contentType, err := p.do(ctx, http.MethodPost, p.baseURL+toolsPath+"/"+url.PathEscape(name), payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("rest provider %q: %w: %s", p.name, tools.ErrUnknownTool, name)
	}

	text := tools.TruncateOutput(string(body), tools.MaxOutputBytes)
	res := &tools.Result{
		Text:    text,
		IsError: status < 200 || status > 299,
		Metadata: map[string]any{
			"provider":    p.name,
			"tool":        name,
			"status_code": status,
		},
	}
	res.Value = text
	if strings.HasPrefix(contentType, "application/json") && len(bytes.TrimSpace(body)) > 0 {
		if v, err := tools.DecodeJSON(body); err == nil {
			res.Value = v
		}
	}

	p.logger.DebugContext(ctx, "rest tool executed",
		slog.String("provider", p.name),
		slog.String("tool", name),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *Provider) do(ctx context.Context, method, target string, payload []byte) (int, []byte, string, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, "", fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("rest provider %q: sending request: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, "", fmt.Errorf("rest provider %q: reading response body: %w", p.name, err)
	}
	return resp.StatusCode, body, resp.Header.Get("Content-Type"), nil
}
