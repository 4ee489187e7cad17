package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/security"
)

// ErrEmptyCode is returned when a generator produces no code.
var ErrEmptyCode = errors.New("generator returned no code")

// GenerateRequest is what a code generator receives for one attempt.
type GenerateRequest struct {
	Task         string                `json:"task"`
	Instructions string                `json:"instructions"`
	Tools        []catalog.ToolSummary `json:"tools"`
	// Attempt starts at 1.
	Attempt  int       `json:"attempt"`
	Feedback *Feedback `json:"feedback,omitempty"`
}

// Feedback describes why the previous attempt failed.
type Feedback struct {
	PreviousCode string               `json:"previous_code"`
	Kind         string               `json:"kind"`
	Message      string               `json:"message"`
	Line         int                  `json:"line,omitempty"`
	Violations   []security.Violation `json:"violations,omitempty"`
	Stderr       string               `json:"stderr,omitempty"`
}

// CodeGenerator turns a task into code. The model behind it is external.
type CodeGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to CodeGenerator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// StaticGenerator always returns the same code.
type StaticGenerator struct {
	Code string
}

func (g StaticGenerator) Generate(context.Context, GenerateRequest) (string, error) {
	if strings.TrimSpace(g.Code) == "" {
		return "", ErrEmptyCode
	}
	return g.Code, nil
}

// FileGenerator reads the code from a file on every attempt, so an operator
// can edit it between retries.
type FileGenerator struct {
	Path string
}

func (g FileGenerator) Generate(context.Context, GenerateRequest) (string, error) {
	data, err := os.ReadFile(g.Path)
	if err != nil {
		return "", fmt.Errorf("reading generated code: %w", err)
	}
	code := extractCode(string(data))
	if code == "" {
		return "", ErrEmptyCode
	}
	return code, nil
}

// HTTPGenerator posts the request as JSON to an external endpoint and reads
// {"code": "..."} back.
type HTTPGenerator struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures an HTTPGenerator.
type HTTPOption func(*HTTPGenerator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(g *HTTPGenerator) { g.httpClient = hc }
}

// WithHeaders adds request headers, e.g. an Authorization token.
func WithHeaders(h map[string]string) HTTPOption {
	return func(g *HTTPGenerator) {
		for k, v := range h {
			g.headers[k] = v
		}
	}
}

// NewHTTPGenerator creates a generator backed by url.
func NewHTTPGenerator(url string, timeout time.Duration, logger *slog.Logger, opts ...HTTPOption) *HTTPGenerator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &HTTPGenerator{
		url:        url,
		headers:    make(map[string]string),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generateResponse struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range g.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator error (status %d): %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("generator error: %s", resp.Error)
	}

	g.logger.DebugContext(ctx, "code generated",
		slog.Int("attempt", req.Attempt),
		slog.Int("tools", len(req.Tools)),
		slog.Int("code_bytes", len(resp.Code)),
		slog.Duration("duration", time.Since(start)),
	)

	code := extractCode(resp.Code)
	if code == "" {
		return "", ErrEmptyCode
	}
	return code, nil
}

// extractCode strips a surrounding markdown fence, which models add even
// when asked not to.
func extractCode(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	start := strings.Index(s, "\n")
	end := strings.LastIndex(s, "```")
	if start < 0 || end <= start {
		return strings.TrimSpace(strings.Trim(s, "`"))
	}
	return strings.TrimSpace(s[start+1 : end])
}
