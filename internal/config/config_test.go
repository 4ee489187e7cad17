package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"CODEXEC_WORKSPACE", "CODEXEC_DATA_DIR", "CODEXEC_SANDBOX_RUNNER", "CODEXEC_STORAGE_DSN"} {
		t.Setenv(k, "")
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "codexec.yaml", `
workspace: /srv/codexec
data_dir: /var/lib/codexec
sandbox:
  runner: inprocess
  timeout_seconds: 5
  max_memory: 256MiB
network:
  allow: ["db.internal:5432", "*.svc.cluster.local:*"]
tools:
  mcp:
    - name: github
      transport: stdio
      command: github-mcp
  rest:
    - name: weather
      base_url: http://weather.internal:8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/codexec", cfg.ResolvedWorkspace())
	assert.Equal(t, "inprocess", cfg.Sandbox.RunnerName())
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout())
	assert.Equal(t, int64(256<<20), cfg.Sandbox.MemoryBytes())
	assert.Equal(t, []string{"db.internal:5432", "*.svc.cluster.local:*"}, cfg.Network.Allow)
	require.Len(t, cfg.Tools.MCP, 1)
	assert.Equal(t, "github", cfg.Tools.MCP[0].Name)
	assert.Equal(t, "sqlite", cfg.StorageDriverName())
	assert.Equal(t, filepath.Join("/var/lib/codexec", "codexec.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/codexec", "audit.jsonl"), cfg.AuditLogPath())
}

func TestLoad_JSONAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "codexec.json", `{"workspace": "/from/file", "sandbox": {"runner": "process"}}`)
	t.Setenv("CODEXEC_WORKSPACE", "/from/env")
	t.Setenv("CODEXEC_SANDBOX_RUNNER", "inprocess")
	t.Setenv("CODEXEC_STORAGE_DSN", "postgres://u:p@localhost/codexec")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Workspace)
	assert.Equal(t, "inprocess", cfg.Sandbox.RunnerName())
	assert.Equal(t, "postgres", cfg.StorageDriverName())
	assert.Equal(t, "postgres://u:p@localhost/codexec", cfg.Storage.Postgres.DSN)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "empty.yaml", "{}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "process", cfg.Sandbox.RunnerName())
	assert.Zero(t, cfg.Sandbox.Timeout())
	assert.Zero(t, cfg.Sandbox.MemoryBytes())
	assert.Equal(t, 8, cfg.Executor.Concurrency())
	assert.Equal(t, 2, cfg.Orchestrator.Attempts())
	assert.Equal(t, 30*time.Second, cfg.Catalog.DiscoveryTimeout())
	assert.NotEmpty(t, cfg.Workspace)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad runner", "sandbox:\n  runner: docker\n", "Runner"},
		{"bad memory", "sandbox:\n  max_memory: lots\n", "sandbox.max_memory"},
		{"negative timeout", "sandbox:\n  timeout_seconds: -1\n", "TimeoutSeconds"},
		{"bad log format", "log:\n  format: xml\n", "Format"},
		{"mcp without name", "tools:\n  mcp:\n    - transport: stdio\n      command: x\n", "tools.mcp[0].name is required"},
		{"mcp stdio without command", "tools:\n  mcp:\n    - name: a\n      transport: stdio\n", "command is required"},
		{"mcp bad transport", "tools:\n  mcp:\n    - name: a\n      transport: carrier-pigeon\n", "transport must be"},
		{"rest without url", "tools:\n  rest:\n    - name: a\n", "BaseURL"},
		{"duplicate provider", "tools:\n  mcp:\n    - name: a\n      transport: sse\n      url: http://x\n  rest:\n    - name: a\n      base_url: http://y\n", "duplicate provider name"},
		{"unknown storage driver", "storage:\n  driver: mongo\n", "not supported"},
		{"http generator without url", "orchestrator:\n  generator:\n    type: http\n", "generator.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, "c.yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
