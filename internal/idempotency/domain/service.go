package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// DoResult reports what Do produced and whether it was a replay.
type DoResult struct {
	Result   datatypes.JSON
	Replayed bool
}

type Service interface {
	// Do runs fn at most once per (action, key). A completed duplicate
	// replays the stored result without invoking fn; an in-flight
	// duplicate conflicts and the caller retries. A claim abandoned
	// past the in-flight TTL is taken over.
	Do(ctx context.Context, action Action, key string, fn func(ctx context.Context) (datatypes.JSON, error)) (DoResult, error)

	// Reap deletes in-flight claims older than the TTL so crashed
	// operations do not wedge their keys forever.
	Reap(ctx context.Context, now time.Time) (int64, error)

	// Get looks up a record, nil when absent.
	Get(ctx context.Context, action Action, key string) (*IdempotencyRecord, error)
}

var (
	ErrInvalidAction = errors.New("invalid_idempotency_action")
	ErrInvalidKey    = errors.New("invalid_idempotency_key")
	ErrInFlight      = errors.New("operation_in_flight")
)

func ValidAction(action Action) bool {
	switch action {
	case ActionCheckout, ActionPortal, ActionPaymentLink:
		return true
	default:
		return false
	}
}
