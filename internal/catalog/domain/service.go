package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// CheckoutPriceRequest describes the provider-side price attached to a plan
// or product at creation time. All fields are required together.
type CheckoutPriceRequest struct {
	Provider        string          `json:"provider"`
	ProviderPriceID string          `json:"provider_price_id"`
	Interval        BillingInterval `json:"interval"`
	IntervalCount   int32           `json:"interval_count"`
	Currency        string          `json:"currency"`
	UnitAmount      int64           `json:"unit_amount"`
}

type CreatePlanRequest struct {
	Name             string                `json:"name"`
	Description      *string               `json:"description,omitempty"`
	EntitlementCodes []string              `json:"entitlement_codes,omitempty"`
	CheckoutPrice    *CheckoutPriceRequest `json:"checkout_price,omitempty"`
}

type CreateProductRequest struct {
	Name          string                `json:"name"`
	CheckoutPrice *CheckoutPriceRequest `json:"checkout_price,omitempty"`
}

type Service interface {
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	GetProduct(ctx context.Context, id snowflake.ID) (*Product, error)
}

var (
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidPrice      = errors.New("invalid_checkout_price")
	ErrInvalidInterval   = errors.New("invalid_billing_interval")
	ErrPlanNotFound      = errors.New("plan_not_found")
	ErrProductNotFound   = errors.New("product_not_found")
	ErrDuplicatePrice    = errors.New("duplicate_provider_price")
	ErrDuplicatePlanCode = errors.New("duplicate_plan_code")
)

func ValidInterval(interval BillingInterval) bool {
	switch interval {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	default:
		return false
	}
}
