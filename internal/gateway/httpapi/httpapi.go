// Package httpapi implements the HTTP API of codexec.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Execution results carry sanitized errors only
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/observability"
	"github.com/jkaninda/codexec/internal/orchestrator"
	"github.com/jkaninda/codexec/internal/ratelimit"
	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// CodeExecutor is the part of the executor the API needs.
type CodeExecutor interface {
	Validate(code string) *security.ValidationResult
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// CatalogRefresher rebuilds the tool catalog on demand.
type CatalogRefresher interface {
	Refresh(ctx context.Context) (*catalog.Summary, error)
}

// ExecutionLister lists audited executions.
type ExecutionLister interface {
	Query(ctx context.Context, filter storage.ExecutionFilter) ([]security.AuditEvent, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	executor CodeExecutor
	catalog  orchestrator.CatalogSource
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	refresher  CatalogRefresher   // nil = refresh endpoint disabled.
	executions ExecutionLister    // nil = executions endpoint disabled.
	loop       *orchestrator.Loop // nil = task endpoint disabled.

	once  sync.Once
	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec CodeExecutor, cat orchestrator.CatalogSource, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:   cfg,
		executor: exec,
		catalog:  cat,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithRefresher enables POST /v1/catalog/refresh.
func (g *Gateway) WithRefresher(r CatalogRefresher) *Gateway {
	g.refresher = r
	return g
}

// WithExecutions enables GET /v1/executions.
func (g *Gateway) WithExecutions(l ExecutionLister) *Gateway {
	g.executions = l
	return g
}

// WithOrchestrator enables POST /v1/tasks and generated tool listings.
func (g *Gateway) WithOrchestrator(loop *orchestrator.Loop) *Gateway {
	g.loop = loop
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "codexec",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler registers the routes once and returns the router.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate, g.limitBody)

	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Check code against the security rules without running it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(security.ValidationResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Validate and run code in the sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(executor.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List or search catalog tools"),
		okapi.DocTags("Catalog"),
		okapi.DocResponse(ToolsResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/tools/{server}", g.handleServer,
		okapi.DocSummary("Get the index of one server"),
		okapi.DocTags("Catalog"),
		okapi.DocPathParam("server", "string", "Server name"),
		okapi.DocResponse(catalog.ServerIndex{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.refresher != nil {
		g.group.Post("/catalog/refresh", g.handleRefresh,
			okapi.DocSummary("Rediscover tools and rebuild the catalog"),
			okapi.DocTags("Catalog"),
			okapi.DocResponse(catalog.Summary{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}
	if g.executions != nil {
		g.group.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List recent executions of the caller"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]security.AuditEvent{}),
		)
	}
	if g.loop != nil {
		g.group.Post("/tasks", g.handleTask,
			okapi.DocSummary("Generate, run and repair code for a task"),
			okapi.DocTags("Execution"),
			okapi.DocRequestBody(TaskRequest{}),
			okapi.DocResponse(TaskResponse{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.ContentLength > g.config.MaxRequestSize {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		r.Body = http.MaxBytesReader(c.Response(), r.Body, g.config.MaxRequestSize)
		return next(c)
	}
}
