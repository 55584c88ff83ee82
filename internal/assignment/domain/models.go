// Package domain contains persistence models for the plan assignment ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanAssignment links a billable entity to a plan for the period
// [PeriodStartAt, PeriodEndAt). PeriodEndAt is NULL for indefinite
// assignments: free plans, or paid plans whose end the provider has not yet
// confirmed.
//
// CurrentKey mirrors EntityID while IsCurrent is set and goes NULL when the
// assignment closes. The unique index over CurrentKey is the conditional
// uniqueness that guarantees at most one current assignment per entity;
// concurrent writers lose with a duplicate-key error, never with a partial
// state.
type PlanAssignment struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	EntityID      snowflake.ID  `gorm:"not null;index"`
	PlanID        snowflake.ID  `gorm:"not null;index"`
	PeriodStartAt time.Time     `gorm:"not null"`
	PeriodEndAt   *time.Time    `gorm:""`
	IsCurrent     bool          `gorm:"not null;default:false"`
	CurrentKey    *snowflake.ID `gorm:"uniqueIndex:ux_plan_assignments_current"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanAssignment) TableName() string { return "plan_assignments" }
