package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AssignRequest struct {
	EntityID    snowflake.ID
	PlanID      snowflake.ID
	PeriodStart time.Time
	PeriodEnd   *time.Time
}

type Service interface {
	// GetCurrent returns the single current assignment, or nil.
	GetCurrent(ctx context.Context, entityID snowflake.ID) (*PlanAssignment, error)

	// Assign atomically closes the existing current assignment (its
	// PeriodEndAt set to PeriodStart, IsCurrent cleared) and opens the new
	// one. Returns a conflict when a concurrent writer holds the current
	// slot; callers re-read state and retry.
	Assign(ctx context.Context, req AssignRequest) (*PlanAssignment, error)

	// CloseCurrent ends the current assignment without opening a new one.
	// Used when the provider confirms termination of a paid period.
	CloseCurrent(ctx context.Context, entityID snowflake.ID, endAt time.Time) (*PlanAssignment, error)

	// History lists assignments for an entity ordered by PeriodStartAt.
	History(ctx context.Context, entityID snowflake.ID) ([]PlanAssignment, error)
}

var (
	ErrInvalidEntity     = errors.New("invalid_entity")
	ErrInvalidPlan       = errors.New("invalid_plan")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrNoCurrent         = errors.New("no_current_assignment")
	ErrAssignmentTaken   = errors.New("current_assignment_taken")
	ErrAssignmentChanged = errors.New("current_assignment_changed")
)
