package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for scheduled catalog refreshes.
// A nil *Metrics records nothing.
type Metrics struct {
	RefreshesFired     prometheus.Counter
	RefreshesSucceeded prometheus.Counter
	RefreshesFailed    prometheus.Counter
	RefreshesSkipped   prometheus.Counter
	RefreshDuration    prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RefreshesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "scheduler",
			Name:      "refreshes_fired_total",
			Help:      "Total scheduled catalog refreshes started.",
		}),
		RefreshesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "scheduler",
			Name:      "refreshes_succeeded_total",
			Help:      "Total scheduled catalog refreshes that swapped the catalog.",
		}),
		RefreshesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "scheduler",
			Name:      "refreshes_failed_total",
			Help:      "Total scheduled catalog refreshes that failed.",
		}),
		RefreshesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexec",
			Subsystem: "scheduler",
			Name:      "refreshes_skipped_total",
			Help:      "Total scheduled refreshes skipped because another refresh was running.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codexec",
			Subsystem: "scheduler",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of each scheduled catalog refresh.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(
		m.RefreshesFired,
		m.RefreshesSucceeded,
		m.RefreshesFailed,
		m.RefreshesSkipped,
		m.RefreshDuration,
	)

	return m
}

func (m *Metrics) fired() {
	if m != nil {
		m.RefreshesFired.Inc()
	}
}

func (m *Metrics) succeeded() {
	if m != nil {
		m.RefreshesSucceeded.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.RefreshesFailed.Inc()
	}
}

func (m *Metrics) skipped() {
	if m != nil {
		m.RefreshesSkipped.Inc()
	}
}

func (m *Metrics) observe(d time.Duration) {
	if m != nil {
		m.RefreshDuration.Observe(d.Seconds())
	}
}
