package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ScheduleRequest struct {
	EntityID     snowflake.ID
	FromPlanID   *snowflake.ID
	TargetPlanID snowflake.ID
	Kind         ScheduleKind
	EffectiveAt  time.Time
	RequestedBy  string
}

// ApplyOutcome summarizes one ApplyDue pass.
type ApplyOutcome struct {
	Applied int
	Retried int
}

type Service interface {
	// Schedule queues a future change. Conflicts while a pending schedule
	// already exists for the entity; callers cancel first.
	Schedule(ctx context.Context, req ScheduleRequest) (*PlanChangeSchedule, error)

	// Cancel moves a pending schedule to canceled. Terminal schedules
	// yield an invalid-state error.
	Cancel(ctx context.Context, scheduleID snowflake.ID, canceledBy string) error

	// ApplyDue applies every pending schedule whose EffectiveAt has
	// passed: new assignment, schedule marked applied, and a plan_change
	// billing event, atomically per schedule. Assignment conflicts leave
	// the schedule pending for the next tick.
	ApplyDue(ctx context.Context, now time.Time) (ApplyOutcome, error)

	GetByID(ctx context.Context, scheduleID snowflake.ID) (*PlanChangeSchedule, error)
	GetPending(ctx context.Context, entityID snowflake.ID) (*PlanChangeSchedule, error)
}

var (
	ErrInvalidEntity      = errors.New("invalid_entity")
	ErrInvalidTargetPlan  = errors.New("invalid_target_plan")
	ErrInvalidKind        = errors.New("invalid_schedule_kind")
	ErrInvalidEffectiveAt = errors.New("effective_at_not_in_future")
	ErrInvalidRequestedBy = errors.New("invalid_requested_by")
	ErrScheduleNotFound   = errors.New("schedule_not_found")
	ErrPendingExists      = errors.New("pending_schedule_exists")
	ErrNotPending         = errors.New("schedule_not_pending")
)

func ValidKind(kind ScheduleKind) bool {
	switch kind {
	case KindDowngrade, KindPromoFallback:
		return true
	default:
		return false
	}
}
