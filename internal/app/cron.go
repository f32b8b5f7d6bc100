package app

import (
	"context"
	"time"

	pkgcron "github.com/diy-mod/core/internal/pkg/cron"
	"go.uber.org/zap"
)

// registerCronJobs registers the housekeeping jobs.
func (a *App) registerCronJobs() {
	log := a.logger.Named("CronService")
	interval := a.cfg.Retention.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	a.sched.Register(pkgcron.Job{
		Name:        "sweep_image_jobs",
		Description: "drop image jobs past their retention",
		Interval:    interval,
		Fn: func(ctx context.Context) error {
			n, err := a.broker.Sweep(ctx)
			if err != nil {
				log.Warn("image job sweep failed", zap.Error(err))
				return err
			}
			if n > 0 {
				log.Info("image jobs swept", zap.Int("removed", n))
			}
			return nil
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        "recover_image_jobs",
		Description: "fail image jobs that stopped making progress",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			n, err := a.broker.Recover(ctx)
			if err != nil {
				log.Warn("image job recovery failed", zap.Error(err))
				return err
			}
			if n > 0 {
				log.Warn("stalled image jobs failed", zap.Int("jobs", n))
			}
			return nil
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        "purge_result_cache",
		Description: "evict expired moderation decisions",
		Interval:    interval,
		Fn: func(ctx context.Context) error {
			if n := a.cache.Purge(); n > 0 {
				log.Debug("result cache purged", zap.Int("evicted", n))
			}
			return nil
		},
	})

	if a.cfg.Retention.ProcessingLogs > 0 {
		a.sched.Register(pkgcron.Job{
			Name:        "prune_processing_logs",
			Description: "delete processing logs past retention",
			Interval:    24 * time.Hour,
			Fn: func(ctx context.Context) error {
				cutoff := time.Now().Add(-a.cfg.Retention.ProcessingLogs)
				n, err := a.logs.Prune(ctx, cutoff)
				if err != nil {
					log.Warn("processing log prune failed", zap.Error(err))
					return err
				}
				log.Info("processing logs pruned", zap.Int64("removed", n))
				return nil
			},
		})
	}
}
