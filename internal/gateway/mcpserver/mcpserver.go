// Package mcpserver exposes the executor and the tool catalog as an MCP
// server, so MCP clients can validate and run code and browse the catalog.
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/orchestrator"
	"github.com/jkaninda/codexec/internal/security"
)

// Tool names served by the server.
const (
	ToolValidate = "validate_code"
	ToolExecute  = "execute_code"
	ToolList     = "list_tools"
)

// DefaultUserID attributes MCP executions in the audit trail.
const DefaultUserID = "mcp"

// CodeExecutor is the part of the executor the server needs.
type CodeExecutor interface {
	Validate(code string) *security.ValidationResult
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Server wraps an mcp-go server with the codexec tools registered.
type Server struct {
	mcp     *server.MCPServer
	exec    CodeExecutor
	catalog orchestrator.CatalogSource
	userID  string
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithUserID sets the user recorded for executions.
func WithUserID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.userID = id
		}
	}
}

// New creates a Server.
func New(exec CodeExecutor, cat orchestrator.CatalogSource, version string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		exec:    exec,
		catalog: cat,
		userID:  DefaultUserID,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer("codexec", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcp.AddTool(mcp.NewTool(ToolValidate,
		mcp.WithDescription("Check Starlark code against the security rules without running it."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Program source")),
	), s.handleValidate)
	s.mcp.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Run Starlark code in the sandbox. Set _result to return a value; "+
			"tools are called with call_tool(server, tool, args)."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Program source")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit, defaults to the server setting")),
	), s.handleExecute)
	s.mcp.AddTool(mcp.NewTool(ToolList,
		mcp.WithDescription("List catalog tools with their signatures."),
		mcp.WithString("query", mcp.Description("Case-insensitive filter on server, name and description")),
		mcp.WithString("server", mcp.Description("Only tools of this server")),
	), s.handleList)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over the given streams until ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.exec.Validate(code)
	text := "code passed validation"
	switch {
	case !res.SyntaxValid:
		text = "code has a syntax error"
	case res.Blocked:
		text = fmt.Sprintf("code blocked by %d rule violation(s)", len(res.BlockingViolations()))
	}
	return mcp.NewToolResultStructured(res, text), nil
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := req.GetFloat("timeout_seconds", 0)
	if timeout < 0 {
		return mcp.NewToolResultError("timeout_seconds must not be negative"), nil
	}

	res, err := s.exec.Execute(ctx, executor.Request{
		Code:    code,
		Timeout: time.Duration(timeout * float64(time.Second)),
		UserID:  s.userID,
	})
	if err != nil {
		s.logger.Error("mcp execution failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError("execution could not be scheduled"), nil
	}

	if !res.Success {
		out := mcp.NewToolResultStructured(res, res.UserMessage())
		out.IsError = true
		return out, nil
	}
	text := res.Stdout
	if res.HasValue {
		text = fmt.Sprintf("%v", res.Value)
	}
	return mcp.NewToolResultStructured(res, text), nil
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cat := s.catalog.Catalog()
	if cat == nil {
		return mcp.NewToolResultError(catalog.ErrNotBuilt.Error()), nil
	}

	var list []catalog.ToolSummary
	if q := req.GetString("query", ""); q != "" {
		list = cat.Search(q)
	} else {
		list = cat.Tools()
	}
	if srv := req.GetString("server", ""); srv != "" {
		filtered := list[:0:0]
		for _, t := range list {
			if t.Server == srv {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []catalog.ToolSummary{}
	}
	return mcp.NewToolResultStructured(map[string]any{"tools": list}, toolsText(list)), nil
}

func toolsText(list []catalog.ToolSummary) string {
	if len(list) == 0 {
		return "no tools"
	}
	var b []byte
	for _, t := range list {
		b = fmt.Appendf(b, "%s.%s  %s\n", t.Server, t.Signature, t.Module)
	}
	return string(b)
}
