// Package domain contains persistence models for the unified billing event
// ledger.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
)

// EventType classifies what triggered a billing event.
type EventType string

const (
	TypeWebhook           EventType = "webhook"
	TypePaymentMethodSync EventType = "payment_method_sync"
	TypePlanChange        EventType = "plan_change"
)

// EventStatus is the processing lifecycle state.
// received -> processing -> processed (terminal)
// received -> processing -> failed -> processing -> ... until the attempt
// cap, after which the event is terminal-failed and needs manual remediation.
type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusProcessed  EventStatus = "processed"
	StatusFailed     EventStatus = "failed"
)

// BillingEvent is one row of the append-mostly ledger. For webhook events
// DedupeKey is "provider:providerEventID"; the unique index over it is the
// exactly-once ingestion guarantee. Payload holds the snappy-compressed raw
// JSON and is cleared by the purge job once PayloadRetentionUntil passes.
type BillingEvent struct {
	ID                    snowflake.ID  `gorm:"primaryKey"`
	EventType             EventType     `gorm:"type:text;not null;index"`
	Provider              *string       `gorm:"type:text;index"`
	ProviderEventID       *string       `gorm:"type:text"`
	DedupeKey             *string       `gorm:"type:text;uniqueIndex:ux_billing_events_dedupe"`
	Status                EventStatus   `gorm:"type:text;not null;index"`
	AttemptCount          int           `gorm:"not null;default:0"`
	ReceivedAt            time.Time     `gorm:"not null;index"`
	OccurredAt            time.Time     `gorm:"not null"`
	ProcessingStartedAt   *time.Time    `gorm:""`
	ProcessedAt           *time.Time    `gorm:""`
	LastFailedAt          *time.Time    `gorm:""`
	LastError             *string       `gorm:"type:text"`
	Payload               []byte        `gorm:"type:bytea"`
	PayloadRetentionUntil *time.Time    `gorm:"index"`
	EntityID              *snowflake.ID `gorm:"index"`
	PlanID                *snowflake.ID `gorm:""`
	ScheduleID            *snowflake.ID `gorm:""`
	CreatedAt             time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

// EncodePayload marshals and snappy-compresses a payload for storage.
func EncodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// DecodePayload reverses EncodePayload. A purged payload decodes to nil.
func (e *BillingEvent) DecodePayload() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, e.Payload)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
