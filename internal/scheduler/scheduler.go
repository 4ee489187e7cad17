// Package scheduler keeps the tool catalog fresh. A Refresher rediscovers
// every registered provider and swaps the catalog the dispatcher resolves
// calls against; a Scheduler runs it on a cron schedule.
//
// A failed refresh never removes tools: the builder keeps the previous
// generation and the dispatcher keeps serving it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/observability"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/workspace"
)

// ErrRefreshInProgress is returned when a refresh is requested while one is running.
var ErrRefreshInProgress = errors.New("catalog refresh already in progress")

// Refresher rebuilds the catalog from the registry's providers.
type Refresher struct {
	builder    *catalog.Builder
	workspace  *workspace.Workspace
	registry   *tools.Registry
	dispatcher *catalog.Dispatcher
	metrics    *observability.MetricsCollector
	logger     *slog.Logger

	running atomic.Bool
}

// NewRefresher creates a Refresher. metrics may be nil.
func NewRefresher(b *catalog.Builder, ws *workspace.Workspace, reg *tools.Registry, d *catalog.Dispatcher, metrics *observability.MetricsCollector, logger *slog.Logger) *Refresher {
	return &Refresher{
		builder:    b,
		workspace:  ws,
		registry:   reg,
		dispatcher: d,
		metrics:    metrics,
		logger:     logger,
	}
}

// Refresh runs discovery and switches the dispatcher to the new catalog.
// Concurrent calls do not queue: the second one gets ErrRefreshInProgress.
func (r *Refresher) Refresh(ctx context.Context) (*catalog.Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer r.running.Store(false)

	sum, err := r.builder.Build(ctx, r.registry.All()...)
	if err != nil {
		r.metrics.RecordCatalogBuild(0, err)
		return nil, err
	}
	cat, err := catalog.Open(r.workspace)
	if err != nil {
		r.metrics.RecordCatalogBuild(0, err)
		return nil, fmt.Errorf("opening rebuilt catalog: %w", err)
	}
	r.dispatcher.Reload(cat)
	r.metrics.RecordCatalogBuild(sum.Tools, nil)

	for _, w := range sum.Warnings {
		r.logger.WarnContext(ctx, "tool left out of catalog",
			slog.String("server", w.Server),
			slog.String("tool", w.Tool),
			slog.String("reason", w.Message),
		)
	}
	return sum, nil
}

// CatalogRefresher rebuilds the catalog on demand.
type CatalogRefresher interface {
	Refresh(ctx context.Context) (*catalog.Summary, error)
}

// Scheduler triggers catalog refreshes on a cron schedule.
type Scheduler struct {
	refresher CatalogRefresher
	schedule  cron.Schedule
	spec      string
	metrics   *Metrics
	logger    *slog.Logger
	timeout   time.Duration

	mu   sync.Mutex
	last time.Time
}

// parser accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 15m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler for the given cron expression. Each run is
// bounded by timeout; zero means no bound beyond the parent context.
func New(r CatalogRefresher, spec string, timeout time.Duration, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &Scheduler{
		refresher: r,
		schedule:  sched,
		spec:      spec,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
	}, nil
}

// Next returns the next activation time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// LastRun returns when the last refresh finished, or the zero time.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start runs the schedule in the background. Returns a cancel function
// that stops the schedule and waits for a running refresh to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithLogger(cronLogger{s.logger}))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	c.Start()

	s.logger.InfoContext(ctx, "catalog refresh scheduled",
		slog.String("schedule", s.spec),
		slog.Time("next", s.schedule.Next(time.Now())),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("catalog refresh schedule stopped")
	}
}

// tick runs one scheduled refresh.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.metrics.fired()
	sum, err := s.refresher.Refresh(ctx)
	s.metrics.observe(time.Since(start))

	switch {
	case errors.Is(err, ErrRefreshInProgress):
		s.metrics.skipped()
		s.logger.InfoContext(ctx, "scheduled catalog refresh skipped, previous run still active")
		return
	case err != nil:
		s.metrics.failed()
		s.logger.ErrorContext(ctx, "scheduled catalog refresh failed",
			slog.String("error", err.Error()),
		)
	default:
		s.metrics.succeeded()
		s.logger.InfoContext(ctx, "scheduled catalog refresh complete",
			slog.String("generation", sum.Generation),
			slog.Int("tools", sum.Tools),
			slog.Duration("duration", time.Since(start)),
		)
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

// cronLogger routes robfig/cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
