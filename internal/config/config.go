// Package config handles loading and validating codexec configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// validate is shared; building a validator is expensive.
var validate = validator.New()

// Config is the root configuration for codexec.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.codexec/workspace. Override: CODEXEC_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.codexec/data. Override: CODEXEC_DATA_DIR env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Network       NetworkConfig        `json:"network" yaml:"network"`
	Catalog       CatalogConfig        `json:"catalog" yaml:"catalog"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Secrets       SecretsConfig        `json:"secrets" yaml:"secrets"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP API disabled
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"` // Default: info.
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`           // Default: text.
}

// SandboxConfig configures how generated code is run.
type SandboxConfig struct {
	Runner         string   `json:"runner" yaml:"runner" validate:"omitempty,oneof=process inprocess"` // Default: process. Override: CODEXEC_SANDBOX_RUNNER env var.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`           // Wall clock per execution. Default: 30.
	MaxCPUSeconds  int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds" validate:"gte=0"`           // Default: 60.
	MaxMemory      string   `json:"max_memory" yaml:"max_memory"`                                      // Human size, e.g. "512MiB". Default: 512MiB.
	MaxSteps       uint64   `json:"max_steps" yaml:"max_steps"`                                        // Interpreter steps. Default: 50M.
	MaxToolCalls   int      `json:"max_tool_calls" yaml:"max_tool_calls" validate:"gte=0"`             // Default: 64.
	MaxOutputBytes int      `json:"max_output_bytes" yaml:"max_output_bytes" validate:"gte=0"`         // Print output cap. Default: 1 MiB.
	ToolCallRate   float64  `json:"tool_call_rate" yaml:"tool_call_rate" validate:"gte=0"`             // Tool calls per second. 0 = unlimited.
	AllowWrites    bool     `json:"allow_writes" yaml:"allow_writes"`                                  // Write access to the workspace.
	WorkerCommand  []string `json:"worker_command,omitempty" yaml:"worker_command,omitempty"`          // Default: this binary + "sandbox-worker".
}

// RunnerName returns the configured runner, defaulting to "process".
func (s SandboxConfig) RunnerName() string {
	if s.Runner != "" {
		return s.Runner
	}
	return "process"
}

// Timeout returns the per-execution wall-clock limit. 0 = runner default.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// MemoryBytes returns the parsed memory ceiling. 0 = runner default.
func (s SandboxConfig) MemoryBytes() int64 {
	if s.MaxMemory == "" {
		return 0
	}
	n, err := units.RAMInBytes(s.MaxMemory)
	if err != nil {
		return 0
	}
	return n
}

// SecurityConfig extends the built-in validation rules.
type SecurityConfig struct {
	BlockedModules []string `json:"blocked_modules,omitempty" yaml:"blocked_modules,omitempty"`
	AllowedModules []string `json:"allowed_modules,omitempty" yaml:"allowed_modules,omitempty"`
	BlockedCalls   []string `json:"blocked_calls,omitempty" yaml:"blocked_calls,omitempty"`
	SensitivePaths []string `json:"sensitive_paths,omitempty" yaml:"sensitive_paths,omitempty"`
	DisabledRules  []string `json:"disabled_rules,omitempty" yaml:"disabled_rules,omitempty"`
	AuditLogPath   string   `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: <data_dir>/audit.jsonl.
}

// NetworkConfig lists internal services every execution may reach in
// addition to the tool providers' own endpoints.
type NetworkConfig struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"` // host:port patterns.
}

// CatalogConfig configures tool discovery.
type CatalogConfig struct {
	RefreshSchedule         string `json:"refresh_schedule,omitempty" yaml:"refresh_schedule,omitempty"`                // Cron expression. Empty = build at startup only.
	DiscoveryTimeoutSeconds int    `json:"discovery_timeout_seconds" yaml:"discovery_timeout_seconds" validate:"gte=0"` // Per provider. Default: 30.
}

// DiscoveryTimeout returns the per-provider discovery timeout.
func (c CatalogConfig) DiscoveryTimeout() time.Duration {
	if c.DiscoveryTimeoutSeconds > 0 {
		return time.Duration(c.DiscoveryTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ExecutorConfig configures the code executor.
type ExecutorConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"` // Default: 8.
}

// Concurrency returns the execution concurrency cap.
func (e ExecutorConfig) Concurrency() int {
	if e.MaxConcurrent > 0 {
		return e.MaxConcurrent
	}
	return 8
}

// OrchestratorConfig configures the generate/execute loop.
type OrchestratorConfig struct {
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"` // Default: 2.
	Generator   GeneratorConfig `json:"generator" yaml:"generator"`
}

// Attempts returns the maximum generation attempts per task.
func (o OrchestratorConfig) Attempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 2
}

// GeneratorConfig selects the code generator.
type GeneratorConfig struct {
	Type           string            `json:"type" yaml:"type" validate:"omitempty,oneof=http file"` // Empty = no generator (validate/exec only).
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`                    // http: endpoint receiving the generation request.
	Path           string            `json:"path,omitempty" yaml:"path,omitempty"`                  // file: generated code location.
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`            // http: values support ${VAR} expansion.
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the generator request timeout.
func (g GeneratorConfig) Timeout() time.Duration {
	if g.TimeoutSeconds > 0 {
		return time.Duration(g.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// ToolsConfig lists the external tool providers.
type ToolsConfig struct {
	MCP  []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // External MCP tool servers.
	REST []RESTToolConfig  `json:"rest,omitempty" yaml:"rest,omitempty" validate:"dive"` // REST tool sources.
}

// MCPServerConfig defines a single external MCP server connection.
// codexec acts as an MCP client, connecting at startup and discovering tools
// for the catalog.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Provider ID used for the catalog directory (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// RESTToolConfig defines a REST tool source.
type RESTToolConfig struct {
	Name           string            `json:"name" yaml:"name" validate:"required"`
	BaseURL        string            `json:"base_url" yaml:"base_url" validate:"required,url"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Values support ${VAR} expansion.
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the per-request timeout.
func (r RESTToolConfig) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// SecretsConfig configures how env:// and vault:// references in tool
// headers, tool environments and generator headers are resolved.
// env:// is always available.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"` // nil = vault:// references are left unresolved.
}

// VaultConfig configures the HashiCorp Vault secret provider.
type VaultConfig struct {
	// Address, Token and Namespace are overridden by VAULT_ADDR,
	// VAULT_TOKEN and VAULT_NAMESPACE.
	Address   string `json:"address" yaml:"address"`
	Token     string `json:"token" yaml:"token"`
	Namespace string `json:"namespace" yaml:"namespace"`

	KVVersion       int  `json:"kv_version" yaml:"kv_version" validate:"omitempty,oneof=1 2"` // Default: 2.
	TimeoutSeconds  int  `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`     // Default: 5.
	CacheTTLSeconds int  `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" validate:"gte=0"` // Default: 300.
	TLSSkipVerify   bool `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// KV returns the KV engine version.
func (v VaultConfig) KV() int {
	if v.KVVersion == 1 {
		return 1
	}
	return 2
}

// Timeout returns the per-request timeout.
func (v VaultConfig) Timeout() time.Duration {
	if v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// CacheTTL returns how long a read path is reused.
func (v VaultConfig) CacheTTL() time.Duration {
	if v.CacheTTLSeconds > 0 {
		return time.Duration(v.CacheTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CODEXEC_STORAGE_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// AnomalyConfig configures sliding-window detection of failing operations
// and callers that keep submitting blocked code.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" validate:"gte=0"`              // Default: 300
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" validate:"gte=0,lte=1"` // 0 disables the check
	ViolationThreshold int     `json:"violation_threshold" yaml:"violation_threshold" validate:"gte=0"`    // Blocked or denied runs per caller per window. 0 disables.
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`                                             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"`        // Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"`                                     // Default: "codexec"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`                // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`                                             // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeCatalog bool `json:"include_catalog" yaml:"include_catalog"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" validate:"gte=0"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" validate:"gte=0"`
}

// DefaultConfigPath returns the default config file path (~/.codexec/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/codexec.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".codexec", "config.yaml")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CODEXEC_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("CODEXEC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODEXEC_SANDBOX_RUNNER"); v != "" {
		c.Sandbox.Runner = v
	}
	if v := os.Getenv("CODEXEC_STORAGE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if c.Workspace == "" && err == nil {
		c.Workspace = filepath.Join(home, ".codexec", "workspace")
	}
	if c.DataDir == "" && err == nil {
		c.DataDir = filepath.Join(home, ".codexec", "data")
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		return "workspace"
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "codexec.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Sandbox.MaxMemory != "" {
		n, err := units.RAMInBytes(c.Sandbox.MaxMemory)
		if err != nil {
			return fmt.Errorf("sandbox.max_memory: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("sandbox.max_memory must be positive")
		}
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set CODEXEC_STORAGE_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	switch c.Orchestrator.Generator.Type {
	case "http":
		if c.Orchestrator.Generator.URL == "" {
			return fmt.Errorf("orchestrator.generator.url is required for the http generator")
		}
	case "file":
		if c.Orchestrator.Generator.Path == "" {
			return fmt.Errorf("orchestrator.generator.path is required for the file generator")
		}
	}

	// Provider names share one namespace: they become catalog directories.
	names := make(map[string]bool, len(c.Tools.MCP)+len(c.Tools.REST))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate provider name %q", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	for i, src := range c.Tools.REST {
		if names[src.Name] {
			return fmt.Errorf("tools.rest[%d]: duplicate provider name %q", i, src.Name)
		}
		names[src.Name] = true
	}
	return nil
}
