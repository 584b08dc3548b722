// services/scheduler.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ScheduleConfig sets the periodic job intervals.
type ScheduleConfig struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
}

// StartScheduler runs the expiry sweep, the statistics reconcile and, when an
// exporter is given, the daily audit export. Each job runs in singleton mode so
// a slow run is never overlapped by the next tick.
func StartScheduler(ctx context.Context, cfg ScheduleConfig, matrix *MatrixService, rewards *RewardService,
	exporter *AuditExporter, logger *zap.Logger) (gocron.Scheduler, error) {
	logger = logger.Named("scheduler")
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)

	// every minute by default: expire pending claims and roll them up
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			report, err := rewards.SweepExpired(ctx)
			var rollupErr *RollupError
			switch {
			case err != nil && errors.As(err, &rollupErr):
				logger.Warn("sweep left unresolved roll-ups",
					zap.Int("expired", report.Expired),
					zap.Int("rolled_up", report.RolledUp),
					zap.Strings("unresolved", report.Unresolved))
			case err != nil:
				logger.Error("expiry sweep failed", zap.Error(err))
			case report.Expired+report.LatePromotions+report.Resolved > 0:
				logger.Info("expiry sweep done",
					zap.Int("expired", report.Expired),
					zap.Int("rolled_up", report.RolledUp),
					zap.Int("late_promotions", report.LatePromotions),
					zap.Int("resolved_on_retry", report.Resolved))
			}
		}),
		singleton,
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(cfg.ReconcileInterval),
		gocron.NewTask(func() {
			if err := matrix.ReconcileStats(ctx); err != nil {
				logger.Error("stats reconcile failed", zap.Error(err))
			}
		}),
		singleton,
	)
	if err != nil {
		return nil, err
	}

	if exporter != nil {
		_, err = sched.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 15, 0))),
			gocron.NewTask(func() {
				if _, _, err := exporter.Export(ctx); err != nil {
					logger.Error("audit export failed", zap.Error(err))
				}
			}),
			singleton,
		)
		if err != nil {
			return nil, err
		}
	}

	sched.Start()
	return sched, nil
}
