package cloudmetrics

import (
	"context"
	"time"

	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 15 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, logger *zap.Logger) *CloudMetrics {
		if !cfg.IsCloud() || !cfg.Cloud.Metrics.Enabled {
			return nil
		}
		return New(registry, cfg.Cloud.AccountID, cfg.AppVersion, logger)
	}),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, c *CloudMetrics, pusher Pusher, registry *prometheus.Registry, logger *zap.Logger, db *gorm.DB) {
	if c == nil || pusher == nil {
		return
	}
	logger = logger.Named("cloudmetrics")

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(pushInterval)
				defer ticker.Stop()

				push := func() {
					refreshActiveAssignments(ctx, c, db)
					if err := pusher.Push(ctx, registry); err != nil {
						logger.Warn("cloud metrics push failed", zap.Error(err))
					}
				}

				push()
				for {
					select {
					case <-ticker.C:
						push()
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func refreshActiveAssignments(ctx context.Context, c *CloudMetrics, db *gorm.DB) {
	if db == nil {
		return
	}
	var count int64
	err := db.WithContext(ctx).
		Model(&assignmentdomain.PlanAssignment{}).
		Where("is_current = ?", true).
		Count(&count).Error
	if err != nil {
		return
	}
	c.SetActiveAssignments(count)
}
