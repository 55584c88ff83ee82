// Package domain contains persistence models for the outbound idempotency
// guard.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Action scopes an idempotency key to one kind of outbound operation.
type Action string

const (
	ActionCheckout    Action = "checkout"
	ActionPortal      Action = "portal"
	ActionPaymentLink Action = "payment_link"
)

// RecordStatus is the claim lifecycle. in_flight rows block concurrent
// duplicates; completed rows replay their stored result forever.
type RecordStatus string

const (
	StatusInFlight  RecordStatus = "in_flight"
	StatusCompleted RecordStatus = "completed"
)

// IdempotencyRecord is a claim on (action, key). The unique index makes
// the insert the mutual exclusion primitive.
type IdempotencyRecord struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Action      Action         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_action_key"`
	Key         string         `gorm:"type:text;not null;uniqueIndex:ux_idempotency_action_key"`
	Status      RecordStatus   `gorm:"type:text;not null"`
	Result      datatypes.JSON `gorm:"type:jsonb"`
	ClaimedAt   time.Time      `gorm:"not null;index"`
	CompletedAt *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
