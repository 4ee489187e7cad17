package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/config"
	"github.com/jkaninda/codexec/internal/gateway"
	"github.com/jkaninda/codexec/internal/gateway/httpapi"
	"github.com/jkaninda/codexec/internal/ratelimit"
	"github.com/jkaninda/codexec/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the catalog and serve the HTTP API",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `codexec --port` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe builds the catalog, keeps it fresh and serves the HTTP API until
// interrupted.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if _, err := sc.BuildCatalog(ctx); err != nil {
		return fmt.Errorf("building tool catalog: %w", err)
	}

	if spec := cfg.Catalog.RefreshSchedule; spec != "" {
		var metrics *scheduler.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			metrics = scheduler.NewMetrics(m.Registry)
		}
		sched, err := scheduler.New(sc.Refresher, spec, 2*cfg.Catalog.DiscoveryTimeout(), metrics, logger)
		if err != nil {
			return err
		}
		stopSched := sched.Start(ctx)
		defer stopSched()
	}

	registerHealthChecks(sc)

	var gateways []gateway.Gateway
	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		gateways = append(gateways, newHTTPGateway(sc))
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateway enabled (set http.enabled or use the mcp command)")
	}

	errCh := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			if err := g.Start(ctx); err != nil {
				errCh <- err
			}
		}(gw)
	}

	logger.Info("codexec serving",
		slog.String("runner", sc.Executor.RunnerName()),
		slog.String("workspace", sc.Workspace.Root),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("gateway error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("gateway stop error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func newHTTPGateway(sc *SharedComponents) *httpapi.Gateway {
	hc := sc.Config.HTTP
	gwCfg := httpapi.Config{
		ListenAddr:     hc.ListenAddr,
		EnableDocs:     hc.EnableDocs,
		APIKeys:        hc.APIKeyUserMapping,
		MaxRequestSize: hc.MaxRequestSizeBytes,
	}
	if obs := sc.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.Metrics
		gwCfg.Tracer = obs.SpanTracer()
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if m := sc.Config.Observability.Metrics; m != nil {
				gwCfg.MetricsPath = m.Path
			}
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
		BurstSize:         hc.RateLimit.BurstSize,
	})

	gw := httpapi.NewGateway(gwCfg, sc.Executor, sc.Dispatcher, limiter, sc.Logger).
		WithRefresher(sc.Refresher).
		WithExecutions(sc.Store.Executions())
	if loop := sc.NewLoop(); loop != nil {
		gw = gw.WithOrchestrator(loop)
	}
	return gw
}

// registerHealthChecks wires the readiness checks selected in the config.
func registerHealthChecks(sc *SharedComponents) {
	obs := sc.Obs
	if obs == nil || obs.Health == nil || sc.Config.Observability.Health == nil {
		return
	}
	hc := sc.Config.Observability.Health
	if hc.IncludeDB {
		obs.Health.AddCheck("storage", sc.Store.Ping)
	}
	if hc.IncludeCatalog {
		obs.Health.AddCheck("catalog", func(context.Context) error {
			if sc.Dispatcher.Catalog() == nil {
				return catalog.ErrNotBuilt
			}
			return nil
		})
	}
}
