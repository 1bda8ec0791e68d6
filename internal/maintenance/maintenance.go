// Package maintenance runs periodic background tasks as Go tickers:
// retention cleanup of the queue and delivery log, the queue depth gauges,
// preference file reloads and preference cache eviction.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/agencyops/internal/metrics"
	"github.com/albapepper/agencyops/internal/notifications"
)

// Purger deletes terminal records and delivery log entries older than
// cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (records, entries int64, err error)
}

// Counter reports record counts per status.
type Counter interface {
	Counts(ctx context.Context) (notifications.Counts, error)
}

// Reloader re-reads a preference source from disk.
type Reloader interface {
	Reload() error
}

// Evicter drops expired cache entries.
type Evicter interface {
	Evict() int
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval time.Duration // Old terminal records + delivery log
	Retention       time.Duration
	GaugeInterval   time.Duration // Queue depth gauges
	ReloadInterval  time.Duration // Preference file
	EvictInterval   time.Duration // Preference cache
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 1 * time.Hour,
		Retention:       30 * 24 * time.Hour,
		GaugeInterval:   30 * time.Second,
		ReloadInterval:  1 * time.Minute,
		EvictInterval:   5 * time.Minute,
	}
}

// Tasks are the targets of the maintenance loops. A nil target disables its
// task.
type Tasks struct {
	Purger   Purger
	Counter  Counter
	Reloader Reloader
	Evicter  Evicter
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, tasks Tasks, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"retention", cfg.Retention,
		"gauges", cfg.GaugeInterval,
		"reload", cfg.ReloadInterval,
		"evict", cfg.EvictInterval)

	tickers := make([]*time.Ticker, 0, 4)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if tasks.Purger != nil && cfg.CleanupInterval > 0 && cfg.Retention > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Cleanup(ctx, tasks.Purger, time.Now().Add(-cfg.Retention), logger) })
	}

	if tasks.Counter != nil && cfg.GaugeInterval > 0 {
		RefreshGauges(ctx, tasks.Counter, logger)
		t := time.NewTicker(cfg.GaugeInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { RefreshGauges(ctx, tasks.Counter, logger) })
	}

	if tasks.Reloader != nil && cfg.ReloadInterval > 0 {
		t := time.NewTicker(cfg.ReloadInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { reload(tasks.Reloader, logger) })
	}

	if tasks.Evicter != nil && cfg.EvictInterval > 0 {
		t := time.NewTicker(cfg.EvictInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { evict(tasks.Evicter, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// Cleanup removes sent, failed and cancelled records and delivery log
// entries last touched before cutoff. Pending records are never purged.
func Cleanup(ctx context.Context, p Purger, cutoff time.Time, logger *slog.Logger) (records, entries int64) {
	records, entries, err := p.Purge(ctx, cutoff)
	if err != nil {
		logger.Warn("Cleanup: failed to purge old notifications", "error", err)
		return records, entries
	}
	if records+entries > 0 {
		logger.Info("Cleanup: purged old notifications",
			"records", records, "log_entries", entries, "cutoff", cutoff.Format(time.RFC3339))
	}
	return records, entries
}

// RefreshGauges copies the queue's status counts into metrics.QueueDepth.
func RefreshGauges(ctx context.Context, c Counter, logger *slog.Logger) (notifications.Counts, bool) {
	counts, err := c.Counts(ctx)
	if err != nil {
		logger.Warn("Gauges: failed to count notifications", "error", err)
		return counts, false
	}
	metrics.QueueDepth.WithLabelValues(string(notifications.StatusPending)).Set(float64(counts.Pending))
	metrics.QueueDepth.WithLabelValues(string(notifications.StatusSent)).Set(float64(counts.Sent))
	metrics.QueueDepth.WithLabelValues(string(notifications.StatusFailed)).Set(float64(counts.Failed))
	metrics.QueueDepth.WithLabelValues(string(notifications.StatusCancelled)).Set(float64(counts.Cancelled))
	return counts, true
}

func reload(r Reloader, logger *slog.Logger) {
	if err := r.Reload(); err != nil {
		logger.Warn("Reload: keeping previous preferences", "error", err)
	}
}

func evict(e Evicter, logger *slog.Logger) {
	if n := e.Evict(); n > 0 {
		logger.Debug("Evict: dropped expired preferences", "entries", n)
	}
}
