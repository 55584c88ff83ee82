package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	EntityID        snowflake.ID
	EntitlementCode string
	UsageEventKey   string
	WindowStart     time.Time
	WindowEnd       time.Time
	Amount          int64
}

type Service interface {
	// Record applies one usage increment. A redelivery of the same
	// UsageEventKey within the window is dropped and applied is false;
	// the counter moves exactly once per source event.
	Record(ctx context.Context, req RecordRequest) (applied bool, err error)

	// Get returns the rolled-up amount for the window, zero when no
	// usage was recorded.
	Get(ctx context.Context, entityID snowflake.ID, entitlementCode string, windowStart time.Time) (int64, error)

	// RecomputeCounters rebuilds counters from usage_events for windows
	// overlapping [from, to). Repair job for counter drift.
	RecomputeCounters(ctx context.Context, from, to time.Time) (int64, error)
}

var (
	ErrInvalidEntity      = errors.New("invalid_entity")
	ErrInvalidEntitlement = errors.New("invalid_entitlement_code")
	ErrInvalidEventKey    = errors.New("invalid_usage_event_key")
	ErrInvalidWindow      = errors.New("invalid_usage_window")
	ErrInvalidAmount      = errors.New("invalid_usage_amount")
)
