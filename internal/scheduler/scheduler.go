// Package scheduler is the ticking process behind the billing engine. Every
// interval it applies due plan changes, drains the event ledger, and runs
// the maintenance sweeps. All jobs are safe to run concurrently with other
// instances; claims and conditional updates in the services arbitrate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	idemdomain "github.com/planfolio/billing/internal/idempotency/domain"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	"github.com/planfolio/billing/internal/scheduler/guard"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	"github.com/planfolio/billing/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Schedules planchangedomain.Service
	Events    eventdomain.Service
	Usage     usagedomain.Service
	Guard     idemdomain.Service
	Processor *webhook.Processor
	Policy    *config.BillingPolicyHolder
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	schedules planchangedomain.Service
	events    eventdomain.Service
	usage     usagedomain.Service
	guard     idemdomain.Service
	processor *webhook.Processor
	policy    *config.BillingPolicyHolder
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Schedules == nil || p.Events == nil || p.Usage == nil || p.Guard == nil || p.Processor == nil || p.Policy == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler"),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		schedules: p.Schedules,
		events:    p.Events,
		usage:     p.Usage,
		guard:     p.Guard,
		processor: p.Processor,
		policy:    p.Policy,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"apply_due_schedules", 30 * time.Second, s.ApplyDueSchedulesJob},
		{"process_events", 30 * time.Second, s.ProcessEventsJob},
		{"sweep_stale_claims", 30 * time.Second, s.SweepStaleClaimsJob},
		{"reap_idempotency", 30 * time.Second, s.ReapIdempotencyJob},
		{"purge_payloads", 5 * time.Minute, s.PurgePayloadsJob},
		{"recompute_usage_counters", 5 * time.Minute, s.RecomputeUsageCountersJob},
		{"surface_failed_events", 30 * time.Second, s.SurfaceFailedEventsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name, timeout, run := job.Name, job.Timeout, job.Run
		err = errors.Join(err, s.runJob(parent, name, timeout, run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs means every job runs (single-process mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ApplyDueSchedulesJob applies every pending plan change whose effective
// time has passed. Conflicted schedules stay pending for the next tick.
func (s *Scheduler) ApplyDueSchedulesJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	outcome, err := s.schedules.ApplyDue(ctx, s.clock.Now())
	run.AddProcessed(outcome.Applied)
	obsmetrics.Scheduler().AddBatchProcessed("apply_due_schedules", "schedules", outcome.Applied)
	if outcome.Retried > 0 {
		s.logger(ctx).Info("schedules left pending after conflicts",
			zap.Int("retried", outcome.Retried))
	}
	return err
}

// ProcessEventsJob drains a batch of claimable events through the webhook
// processor.
func (s *Scheduler) ProcessEventsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	processed, err := s.processor.Drain(ctx, s.cfg.MaxEventBatchSize)
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed("process_events", "events", processed)
	return err
}

// SweepStaleClaimsJob reclaims events whose worker died mid-processing.
func (s *Scheduler) SweepStaleClaimsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	swept, err := s.events.SweepStaleClaims(ctx, s.clock.Now())
	run.AddProcessed(int(swept))
	obsmetrics.Scheduler().AddBatchProcessed("sweep_stale_claims", "events", int(swept))
	return err
}

// ReapIdempotencyJob deletes in-flight outbound claims past their TTL.
func (s *Scheduler) ReapIdempotencyJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	reaped, err := s.guard.Reap(ctx, s.clock.Now())
	run.AddProcessed(int(reaped))
	obsmetrics.Scheduler().AddBatchProcessed("reap_idempotency", "idempotency_records", int(reaped))
	return err
}

// PurgePayloadsJob clears raw payloads past retention, keeping metadata.
func (s *Scheduler) PurgePayloadsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	purged, err := s.events.PurgeExpiredPayloads(ctx, s.clock.Now())
	run.AddProcessed(int(purged))
	obsmetrics.Scheduler().AddBatchProcessed("purge_payloads", "events", int(purged))
	return err
}

// RecomputeUsageCountersJob rebuilds usage counters over the recent window
// to repair any drift.
func (s *Scheduler) RecomputeUsageCountersJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	rebuilt, err := s.usage.RecomputeCounters(ctx, now.Add(-s.cfg.RecomputeWindow), now)
	run.AddProcessed(int(rebuilt))
	obsmetrics.Scheduler().AddBatchProcessed("recompute_usage_counters", "usage_counters", int(rebuilt))
	return err
}

// SurfaceFailedEventsJob logs events that exhausted their retry budget so
// operators notice them.
func (s *Scheduler) SurfaceFailedEventsJob(ctx context.Context) error {
	events, err := s.events.ListTerminalFailed(ctx, s.cfg.MaxEventBatchSize)
	if err != nil {
		return err
	}
	maxAttempts := s.policy.Get().MaxAttempts
	log := s.logger(ctx)
	for _, event := range events {
		if guard.EnsureEventTerminal(event.Status, event.AttemptCount, maxAttempts) != nil {
			continue
		}
		log.Warn("billing event needs manual remediation",
			zap.Int64("event_id", event.ID.Int64()),
			zap.String("event_type", string(event.EventType)),
			zap.Int("attempts", event.AttemptCount),
			zap.Stringp("last_error", event.LastError),
		)
	}
	return nil
}
