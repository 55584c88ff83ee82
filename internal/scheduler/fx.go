package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/planfolio/billing/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.SchedulerInterval > 0 {
		out.RunInterval = cfg.SchedulerInterval
	}
	if cfg.SchedulerBatchSize > 0 {
		out.MaxEventBatchSize = cfg.SchedulerBatchSize
	}
	if jobs := strings.TrimSpace(cfg.SchedulerEnabledJobs); jobs != "" {
		for _, job := range strings.Split(jobs, ",") {
			if job = strings.TrimSpace(job); job != "" {
				out.EnabledJobs = append(out.EnabledJobs, job)
			}
		}
	}
	return out
}

// StartScheduler runs the tick loop for the process lifetime.
func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			// give in-flight jobs a moment to observe cancellation
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			return nil
		},
	})
}
