// Package domain defines the outbound checkout operations. Every call is
// keyed and runs under the idempotency guard, so client retries never
// open a second provider session.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CheckoutRequest struct {
	EntityID       snowflake.ID `json:"entity_id"`
	PlanID         snowflake.ID `json:"plan_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	SuccessURL     string       `json:"success_url"`
	CancelURL      string       `json:"cancel_url"`
}

type PortalRequest struct {
	EntityID       snowflake.ID `json:"entity_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	ReturnURL      string       `json:"return_url"`
}

type PaymentLinkRequest struct {
	EntityID       snowflake.ID `json:"entity_id"`
	ProductID      snowflake.ID `json:"product_id"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// SessionResult is the provider session plus whether it was replayed
// from a stored idempotency record.
type SessionResult struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Replayed  bool      `json:"-"`
}

type Service interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*SessionResult, error)
	CreatePortalSession(ctx context.Context, req PortalRequest) (*SessionResult, error)
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*SessionResult, error)
}

var (
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrPlanNotCheckoutable   = errors.New("plan_has_no_checkout_price")
	ErrProductNotPurchasable = errors.New("product_has_no_checkout_price")
)
