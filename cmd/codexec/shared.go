package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/config"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/observability"
	"github.com/jkaninda/codexec/internal/orchestrator"
	"github.com/jkaninda/codexec/internal/sandbox"
	"github.com/jkaninda/codexec/internal/scheduler"
	"github.com/jkaninda/codexec/internal/secrets"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/storage"
	pgstore "github.com/jkaninda/codexec/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/codexec/internal/storage/sqlite"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/tools/mcp"
	"github.com/jkaninda/codexec/internal/tools/rest"
	"github.com/jkaninda/codexec/internal/workspace"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // Unified store (SQLite or PostgreSQL).
	Obs       *observability.Observability

	Audit      security.AuditStore
	Registry   *tools.Registry
	Builder    *catalog.Builder
	Dispatcher *catalog.Dispatcher
	Refresher  *scheduler.Refresher
	Executor   *executor.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file. A missing file at the default location
// is not an error: the defaults are used instead.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("CODEXEC_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return nil, err
}

// newLogger builds the slog logger described by the log config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs the initialization shared by all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage.
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Audit trail: JSONL file plus the store.
	auditLog, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	sc.addCleanup(func() { _ = auditLog.Close() })
	sc.Audit = security.MultiStore{auditLog, store.Executions()}

	// Secret references in provider and generator settings.
	resolver, err := secrets.NewResolverFromConfig(cfg.Secrets)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	if err := secrets.ResolveConfig(ctx, resolver, cfg); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	// Tool providers.
	sc.Registry = initRegistry(ctx, cfg, logger)
	sc.addCleanup(func() {
		if err := sc.Registry.Close(); err != nil {
			logger.Warn("closing tool providers", slog.String("error", err.Error()))
		}
	})

	// Catalog. A previously built generation is served until the first refresh.
	sc.Builder = catalog.NewBuilder(ws, logger,
		catalog.WithDiscoveryTimeout(cfg.Catalog.DiscoveryTimeout()),
	)
	cat, err := catalog.Open(ws)
	if err != nil && !errors.Is(err, catalog.ErrNotBuilt) {
		logger.Warn("ignoring unreadable catalog", slog.String("error", err.Error()))
	}
	sc.Dispatcher = catalog.NewDispatcher(cat, sc.Registry, logger)
	sc.Refresher = scheduler.NewRefresher(sc.Builder, ws, sc.Registry, sc.Dispatcher, obs.MetricsOrNil(), logger)

	// Executor.
	runner, err := newRunner(cfg.Sandbox, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	var toolCaller interp.ToolCaller = sc.Dispatcher
	if obs != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.Tracer, obs.Anomaly)
		toolCaller = observability.NewInstrumentedToolCaller(toolCaller, obs.Metrics, obs.Tracer, obs.Anomaly)
	}

	sc.Executor = executor.New(runner, newEngine(cfg.Security, logger), ws.Root, logger,
		executor.WithToolCaller(toolCaller),
		executor.WithEndpoints(sc.Registry.Endpoints),
		executor.WithAllowlist(cfg.Network.Allow...),
		executor.WithAllowWrites(cfg.Sandbox.AllowWrites),
		executor.WithTimeout(cfg.Sandbox.Timeout()),
		executor.WithLimits(executor.Limits{
			MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryBytes: cfg.Sandbox.MemoryBytes(),
			MaxSteps:       cfg.Sandbox.MaxSteps,
			MaxToolCalls:   cfg.Sandbox.MaxToolCalls,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			ToolCallRate:   cfg.Sandbox.ToolCallRate,
		}),
		executor.WithMaxConcurrent(cfg.Executor.Concurrency()),
		executor.WithAuditStore(sc.Audit),
		executor.WithObservability(obs),
	)
	logger.Debug("executor initialized",
		slog.String("runner", sc.Executor.RunnerName()),
		slog.Int("max_concurrent", cfg.Executor.Concurrency()),
	)

	return sc, nil
}

// BuildCatalog runs discovery once and logs the outcome.
func (sc *SharedComponents) BuildCatalog(ctx context.Context) (*catalog.Summary, error) {
	sum, err := sc.Refresher.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	sc.Logger.Info("catalog built",
		slog.String("generation", sum.Generation),
		slog.Int("servers", len(sum.Servers)),
		slog.Int("tools", sum.Tools),
	)
	return sum, nil
}

// NewLoop builds the orchestration loop, or returns nil when no generator
// is configured.
func (sc *SharedComponents) NewLoop() *orchestrator.Loop {
	gcfg := sc.Config.Orchestrator.Generator
	var gen orchestrator.CodeGenerator
	switch gcfg.Type {
	case "http":
		gen = orchestrator.NewHTTPGenerator(gcfg.URL, gcfg.Timeout(), sc.Logger,
			orchestrator.WithHeaders(gcfg.Headers),
		)
	case "file":
		gen = orchestrator.FileGenerator{Path: gcfg.Path}
	default:
		return nil
	}
	return orchestrator.NewLoop(gen, sc.Executor, sc.Dispatcher, sc.Logger,
		orchestrator.WithMaxAttempts(sc.Config.Orchestrator.Attempts()),
		orchestrator.WithObservability(sc.Obs),
	)
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.ResolvedWorkspace())
}

// initRegistry connects the configured tool providers. A provider that
// cannot be set up is logged and left out; the others still serve.
func initRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) *tools.Registry {
	reg := tools.NewRegistry()
	for _, rc := range cfg.Tools.REST {
		p, err := rest.New(rc, logger)
		if err != nil {
			logger.Warn("REST tool source unavailable", slog.String("name", rc.Name), slog.String("error", err.Error()))
			reg.Register(tools.Unreachable(rc.Name, err))
			continue
		}
		reg.Register(p)
	}
	for _, mc := range cfg.Tools.MCP {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Catalog.DiscoveryTimeout())
		p, err := mcp.New(connectCtx, mc, logger)
		cancel()
		if err != nil {
			logger.Warn("MCP server unavailable", slog.String("name", mc.Name), slog.String("error", err.Error()))
			reg.Register(tools.Unreachable(mc.Name, err))
			continue
		}
		reg.Register(p)
	}
	logger.Debug("tool providers registered", slog.Any("providers", reg.Names()))
	return reg
}

// newEngine creates the security engine with the configured rule extensions.
func newEngine(cfg config.SecurityConfig, logger *slog.Logger) *security.Engine {
	return security.NewEngine(
		security.DefaultRules(security.RuleConfig{
			BlockedModules: cfg.BlockedModules,
			AllowedModules: cfg.AllowedModules,
			BlockedCalls:   cfg.BlockedCalls,
			SensitivePaths: cfg.SensitivePaths,
		}),
		security.WithLogger(logger),
		security.WithDisabledRules(cfg.DisabledRules...),
	)
}

// newRunner creates the configured sandbox runner.
func newRunner(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Runner, error) {
	switch cfg.RunnerName() {
	case "inprocess":
		logger.Warn("in-process runner selected: CPU and memory limits are not enforced")
		return sandbox.NewInProcessRunner(logger), nil
	default:
		return sandbox.NewProcessRunner(sandbox.ProcessConfig{Command: cfg.WorkerCommand}, logger)
	}
}

// initStore creates the appropriate storage backend from config.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sc.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sc, logger)
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var pg config.PostgresStorageConfig
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pg = *cfg.Storage.Postgres
	}
	if pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CODEXEC_STORAGE_DSN)")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	store, err := pgstore.Open(connectCtx, pgstore.Config{
		DSN: pg.DSN,
		Pool: pgstore.Pool{
			MaxOpen:     pg.MaxOpenConns,
			MaxIdle:     pg.MaxIdleConns,
			MaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}
