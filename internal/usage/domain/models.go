// Package domain contains persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageEvent is one metered increment. DedupeKey is
// "entityID:entitlementCode:usageEventKey:windowStart:windowEnd" so a
// redelivered source event inserts exactly once per window.
type UsageEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	EntityID        snowflake.ID `gorm:"not null;index"`
	EntitlementCode string       `gorm:"type:text;not null"`
	UsageEventKey   string       `gorm:"type:text;not null"`
	WindowStart     time.Time    `gorm:"not null"`
	WindowEnd       time.Time    `gorm:"not null"`
	Amount          int64        `gorm:"not null"`
	DedupeKey       string       `gorm:"type:text;not null;uniqueIndex:ux_usage_events_dedupe"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageCounter is the rolled-up amount per entity, entitlement, and
// window. It is derived state; usage_events is the source of truth and
// RecomputeCounters can rebuild it.
type UsageCounter struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	EntityID        snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_counters_window"`
	EntitlementCode string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_window"`
	WindowStart     time.Time    `gorm:"not null;uniqueIndex:ux_usage_counters_window"`
	WindowEnd       time.Time    `gorm:"not null"`
	Amount          int64        `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }
