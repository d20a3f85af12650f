// Package housekeeping prunes derived tables on a cron schedule: daily
// counters of past days and old ticket events. Tickets are never touched.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iliyamo/queue-dispatch/internal/config"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// CounterPurger deletes daily counters of days before day (YYYY-MM-DD).
type CounterPurger interface {
	PurgeBefore(ctx context.Context, day string) (int64, error)
}

// EventPruner deletes ticket events older than cutoff.
type EventPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor runs the housekeeping jobs.
type Janitor struct {
	cfg      config.HousekeepingConfig
	counters CounterPurger
	events   EventPruner
	loc      *time.Location
	now      func() time.Time
	cron     *cron.Cron
	logger   *slog.Logger
}

// New validates the schedule and registers the job. Zero retention days
// disable the matching purge.
func New(cfg config.HousekeepingConfig, counters CounterPurger, events EventPruner, loc *time.Location, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	j := &Janitor{
		cfg:      cfg,
		counters: counters,
		events:   events,
		loc:      loc,
		now:      time.Now,
		cron:     cron.New(cron.WithLocation(loc)),
		logger:   logger,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("housekeeping: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start runs the scheduler until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron.Start()
	j.logger.Info("housekeeping started", "schedule", j.cfg.Schedule)

	<-ctx.Done()
	<-j.cron.Stop().Done()
	j.logger.Info("housekeeping stopped")
	return ctx.Err()
}

// RunOnce performs one pass. Failures are logged; the next run retries.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.now()
	if days := j.cfg.CounterRetentionDays; days > 0 && j.counters != nil {
		day := model.Day(now.AddDate(0, 0, -days), j.loc)
		n, err := j.counters.PurgeBefore(ctx, day)
		if err != nil {
			j.logger.Error("purge daily counters", "before", day, "err", err)
		} else {
			j.logger.Info("purged daily counters", "before", day, "rows", n)
		}
	}
	if days := j.cfg.EventRetentionDays; days > 0 && j.events != nil {
		cutoff := now.AddDate(0, 0, -days)
		n, err := j.events.PruneBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("prune ticket events", "before", cutoff, "err", err)
		} else {
			j.logger.Info("pruned ticket events", "before", cutoff, "rows", n)
		}
	}
}
