// Package sweep prunes subscriptions with malformed endpoints.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"bloodbank-notifier/metrics"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Hour

// Registry is the part of the subscriber registry the sweeper needs.
type Registry interface {
	PruneInvalid(ctx context.Context) int
	Len() int
}

// Report summarizes one sweep.
type Report struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// Sweeper removes invalid endpoints from the registry.
type Sweeper struct {
	registry Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
}

// New creates a sweeper. A non-positive interval selects DefaultInterval.
func New(reg Registry, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		registry: reg,
		logger:   logger,
		metrics:  m,
		interval: interval,
	}
}

// Interval returns the configured sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Sweep runs one pass. Valid subscriptions are never touched.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	start := time.Now()
	removed := s.registry.PruneInvalid(ctx)
	r := Report{Removed: removed, Remaining: s.registry.Len()}

	s.metrics.Sweep()
	s.logger.Info("Subscription sweep completed",
		"removed", r.Removed,
		"remaining", r.Remaining,
		"duration_ms", time.Since(start).Milliseconds())
	return r
}
