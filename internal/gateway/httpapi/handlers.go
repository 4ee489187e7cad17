package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
	"github.com/jkaninda/codexec/internal/orchestrator"
	"github.com/jkaninda/codexec/internal/storage"
	"github.com/jkaninda/codexec/internal/tools"
)

// maxExecutionLimit caps GET /v1/executions?limit=.
const maxExecutionLimit = 500

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code           string          `json:"code"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	AllowHosts     []string        `json:"allow_hosts,omitempty"`
	Limits         executor.Limits `json:"limits"`
}

// ToolsResponse is the JSON response for GET /v1/tools.
type ToolsResponse struct {
	Generation  string                `json:"generation"`
	GeneratedAt time.Time             `json:"generated_at"`
	Source      string                `json:"source"`
	Reason      string                `json:"reason,omitempty"`
	Tools       []catalog.ToolSummary `json:"tools"`
}

// TaskRequest is the JSON body for POST /v1/tasks.
type TaskRequest struct {
	Task string `json:"task"`
}

// TaskResponse is the JSON response for POST /v1/tasks.
type TaskResponse struct {
	*orchestrator.Outcome
	Message string `json:"message,omitempty"`
}

// HealthResponse is the JSON response for the probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}
	return c.OK(g.executor.Validate(req.Code))
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}
	if req.TimeoutSeconds < 0 {
		return c.AbortBadRequest("timeout_seconds must not be negative")
	}

	res, err := g.executor.Execute(c.Context(), executor.Request{
		Code:       req.Code,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Limits:     req.Limits,
		AllowHosts: req.AllowHosts,
		UserID:     userID,
	})
	if err != nil {
		g.logger.Error("execution failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortServiceUnavailable("execution could not be scheduled")
	}

	g.logger.Info("http execute",
		slog.String("user_id", userID),
		slog.String("execution_id", res.ID),
		slog.Bool("success", res.Success),
	)
	return c.OK(res)
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	cat := g.catalog.Catalog()
	if cat == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: catalog.ErrNotBuilt.Error()})
	}
	resp := ToolsResponse{
		Generation:  cat.Generation(),
		GeneratedAt: cat.GeneratedAt(),
		Source:      orchestrator.SourceIndex,
	}

	switch {
	case c.Query("q") != "":
		resp.Tools = cat.Search(c.Query("q"))
	case c.Query("source") == orchestrator.SourceGenerated && g.loop != nil:
		listing, err := g.loop.ListTools(c.Context())
		if err != nil {
			return c.AbortInternalServerError("listing tools failed")
		}
		resp.Tools, resp.Source, resp.Reason = listing.Tools, listing.Source, listing.Reason
	default:
		resp.Tools = cat.Tools()
	}
	if resp.Tools == nil {
		resp.Tools = []catalog.ToolSummary{}
	}
	return c.OK(resp)
}

func (g *Gateway) handleServer(c *okapi.Context) error {
	cat := g.catalog.Catalog()
	if cat == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: catalog.ErrNotBuilt.Error()})
	}
	idx, err := cat.Server(c.Param("server"))
	if errors.Is(err, catalog.ErrUnknownServer) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "server not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("reading server index failed")
	}
	return c.OK(idx)
}

func (g *Gateway) handleRefresh(c *okapi.Context) error {
	userID := c.GetString("userID")
	summary, err := g.refresher.Refresh(c.Context())
	if err != nil {
		g.logger.Warn("catalog refresh failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, catalog.ErrDiscoveryFailed) {
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
		}
		return c.AbortInternalServerError("catalog refresh failed")
	}
	g.logger.Info("catalog refreshed",
		slog.String("user_id", userID),
		slog.String("generation", summary.Generation),
		slog.Int("tools", summary.Tools),
	)
	return c.OK(summary)
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	filter := storage.ExecutionFilter{
		UserID:    c.GetString("userID"),
		Result:    c.Query("result"),
		ErrorKind: c.Query("kind"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxExecutionLimit {
			return c.AbortBadRequest("limit must be between 1 and " + strconv.Itoa(maxExecutionLimit))
		}
		filter.Limit = n
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}

	events, err := g.executions.Query(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(events)
}

func (g *Gateway) handleTask(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Task == "" {
		return c.AbortBadRequest("task is required")
	}

	out, err := g.loop.Run(tools.ContextWithUserID(c.Context(), userID), req.Task)
	if errors.Is(err, orchestrator.ErrGeneration) {
		g.logger.Warn("code generation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "code generation failed"})
	}
	if err != nil {
		g.logger.Error("task failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("task failed")
	}

	resp := TaskResponse{Outcome: out}
	if !out.Success {
		resp.Message = out.UserMessage()
	}
	return c.OK(resp)
}

// handleLiveness is the liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
