// Package domain contains persistence models for scheduled plan changes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ScheduleKind classifies why a change was queued.
type ScheduleKind string

const (
	KindDowngrade     ScheduleKind = "downgrade"
	KindPromoFallback ScheduleKind = "promo_fallback"
)

// ScheduleStatus is the lifecycle state of a queued change.
// pending -> applied | canceled; terminal states never mutate again.
type ScheduleStatus string

const (
	StatusPending  ScheduleStatus = "pending"
	StatusCanceled ScheduleStatus = "canceled"
	StatusApplied  ScheduleStatus = "applied"
)

// PlanChangeSchedule queues a deferred plan transition. PendingKey mirrors
// EntityID while Status is pending and goes NULL on the terminal
// transition, so the unique index allows at most one pending schedule per
// entity.
type PlanChangeSchedule struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	EntityID     snowflake.ID   `gorm:"not null;index"`
	FromPlanID   *snowflake.ID  `gorm:"index"`
	TargetPlanID snowflake.ID   `gorm:"not null;index"`
	Kind         ScheduleKind   `gorm:"type:text;not null"`
	Status       ScheduleStatus `gorm:"type:text;not null"`
	PendingKey   *snowflake.ID  `gorm:"uniqueIndex:ux_plan_change_schedules_pending"`
	EffectiveAt  time.Time      `gorm:"not null;index"`
	RequestedBy  string         `gorm:"type:text;not null"`
	CanceledBy   *string        `gorm:"type:text"`
	CanceledAt   *time.Time     `gorm:""`
	AppliedAt    *time.Time     `gorm:""`
	CreatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanChangeSchedule) TableName() string { return "plan_change_schedules" }
