package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/tools/local"
	mcpprovider "github.com/jkaninda/codexec/internal/tools/mcp"
	"github.com/jkaninda/codexec/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noCatalog struct{}

func (noCatalog) Catalog() *catalog.Catalog { return nil }

// client connects to srv in-process through the MCP tool provider.
func client(t *testing.T, srv *Server) *mcpprovider.Provider {
	t.Helper()
	p, err := mcpprovider.NewInProcess(t.Context(), "codexec", srv.MCPServer(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newServer(t *testing.T) *Server {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	reg := tools.NewRegistry()
	reg.Register(local.New("weather", local.Definition{
		Name:        "forecast",
		Description: "Forecast for a city.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		},
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"city": args["city"], "temp": int64(21)}, nil
		},
	}))
	_, err = catalog.NewBuilder(ws, quietLogger()).Build(t.Context(), reg.All()...)
	require.NoError(t, err)
	cat, err := catalog.Open(ws)
	require.NoError(t, err)
	d := catalog.NewDispatcher(cat, reg, quietLogger())

	exec := executor.New(sandbox.NewInProcessRunner(quietLogger()),
		security.NewEngine(security.DefaultRules(security.RuleConfig{})),
		ws.Root, quietLogger(),
		executor.WithToolCaller(d),
		executor.WithTimeout(10*time.Second),
	)
	return New(exec, d, "test", quietLogger())
}

func TestServer_ListsItsTools(t *testing.T) {
	p := client(t, newServer(t))
	found, err := p.DiscoverTools(t.Context())
	require.NoError(t, err)

	var names []string
	for _, tool := range found {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolValidate, ToolExecute, ToolList}, names)
}

func TestServer_Validate(t *testing.T) {
	p := client(t, newServer(t))

	res, err := p.CallTool(t.Context(), ToolValidate, map[string]any{"code": "os.system(\"ls\")\n"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "blocked")
	v, ok := res.Value.(map[string]any)
	require.True(t, ok, "value = %#v", res.Value)
	assert.Equal(t, true, v["blocked"])

	res, err = p.CallTool(t.Context(), ToolValidate, map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_Execute(t *testing.T) {
	p := client(t, newServer(t))

	res, err := p.CallTool(t.Context(), ToolExecute, map[string]any{
		"code": "_result = call_tool(\"weather\", \"forecast\", {\"city\": \"Oslo\"})[\"temp\"] * 2\n",
	})
	require.NoError(t, err)
	require.False(t, res.IsError, res.Text)
	assert.Equal(t, "42", res.Text)
	v, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, v["success"])
	assert.Equal(t, int64(42), v["value"])
}

func TestServer_ExecuteFailure(t *testing.T) {
	p := client(t, newServer(t))

	res, err := p.CallTool(t.Context(), ToolExecute, map[string]any{"code": "fail(\"boom\")\n"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "could not be completed safely")
	assert.Contains(t, res.Text, "execution_exception")

	res, err = p.CallTool(t.Context(), ToolExecute, map[string]any{"code": "x = 1", "timeout_seconds": -1})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_List(t *testing.T) {
	p := client(t, newServer(t))

	res, err := p.CallTool(t.Context(), ToolList, map[string]any{"server": "weather"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, res.Text, "weather.forecast(")

	res, err = p.CallTool(t.Context(), ToolList, map[string]any{"server": "nope"})
	require.NoError(t, err)
	assert.Equal(t, "no tools", res.Text)
}

func TestServer_ListNotBuilt(t *testing.T) {
	p := client(t, New(nil, noCatalog{}, "test", quietLogger()))
	res, err := p.CallTool(t.Context(), ToolList, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "not been built")
}
