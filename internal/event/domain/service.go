package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/planfolio/billing/pkg/db/pagination"
)

type IngestRequest struct {
	EventType       EventType
	Provider        *string
	ProviderEventID *string
	Payload         map[string]any
	OccurredAt      time.Time
	EntityID        *snowflake.ID
	PlanID          *snowflake.ID
	ScheduleID      *snowflake.ID
}

// ListRequest narrows the ledger listing. Results are newest first.
type ListRequest struct {
	EntityID  *snowflake.ID
	EventType *EventType
	Status    *EventStatus
	Page      pagination.Pagination
}

type ListResult struct {
	Events   []*BillingEvent
	PageInfo pagination.PageInfo
}

// ClaimFilter narrows what ClaimNext considers claimable.
type ClaimFilter struct {
	EventType *EventType
	Provider  *string
}

type Service interface {
	// Ingest appends an event. A webhook duplicate (same provider and
	// providerEventID) is a silent idempotent no-op returning the
	// pre-existing row.
	Ingest(ctx context.Context, req IngestRequest) (*BillingEvent, error)

	// ClaimNext exclusively claims one claimable event (received, or
	// failed under the attempt cap), moving it to processing and bumping
	// AttemptCount. Returns nil when nothing is claimable. Claims are
	// single conditional writes; no locks are held.
	ClaimNext(ctx context.Context, filter ClaimFilter) (*BillingEvent, error)

	// Complete moves processing -> processed.
	Complete(ctx context.Context, eventID snowflake.ID) error

	// Fail moves processing -> failed and records the error. Events at
	// the attempt cap stay failed for manual remediation.
	Fail(ctx context.Context, eventID snowflake.ID, errorText string) error

	// SweepStaleClaims reclaims events stuck in processing past the
	// stale threshold (crashed worker) so they become retryable.
	SweepStaleClaims(ctx context.Context, now time.Time) (int64, error)

	// PurgeExpiredPayloads clears raw payloads past their retention
	// window, keeping metadata for audit.
	PurgeExpiredPayloads(ctx context.Context, now time.Time) (int64, error)

	GetByID(ctx context.Context, eventID snowflake.ID) (*BillingEvent, error)

	// ListTerminalFailed surfaces events that exhausted the retry cap.
	ListTerminalFailed(ctx context.Context, limit int) ([]BillingEvent, error)

	// List pages through the ledger for audit browsing.
	List(ctx context.Context, req ListRequest) (*ListResult, error)
}

var (
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidWebhook   = errors.New("webhook_requires_provider_event_id")
	ErrInvalidOccurred  = errors.New("invalid_occurred_at")
	ErrEventNotFound    = errors.New("event_not_found")
	ErrNotProcessing    = errors.New("event_not_processing")
)

func ValidType(eventType EventType) bool {
	switch eventType {
	case TypeWebhook, TypePaymentMethodSync, TypePlanChange:
		return true
	default:
		return false
	}
}
