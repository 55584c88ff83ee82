// Package domain contains persistence models for the plan catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// BillingInterval is the checkout price recurrence unit.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "DAY"
	IntervalWeek  BillingInterval = "WEEK"
	IntervalMonth BillingInterval = "MONTH"
	IntervalYear  BillingInterval = "YEAR"
)

// Plan is a catalog item. A plan without a checkout price is free; a priced
// plan carries exactly one core monthly price per provider. PriceKey mirrors
// "provider:provider_price_id" while priced and stays NULL for free plans,
// so the unique index enforces global (provider, price id) uniqueness
// without constraining free plans.
type Plan struct {
	ID               snowflake.ID     `gorm:"primaryKey"`
	Code             string           `gorm:"type:text;not null;uniqueIndex:ux_plans_code"`
	Name             string           `gorm:"type:text;not null"`
	Description      *string          `gorm:"type:text"`
	Active           bool             `gorm:"not null;default:true"`
	EntitlementCodes pq.StringArray   `gorm:"type:text[]"`
	Provider         *string          `gorm:"type:text"`
	ProviderPriceID  *string          `gorm:"type:text"`
	PriceKey         *string          `gorm:"type:text;uniqueIndex:ux_plans_price_key"`
	Interval         *BillingInterval `gorm:"type:text"`
	IntervalCount    *int32           `gorm:""`
	Currency         *string          `gorm:"type:text"`
	UnitAmount       *int64           `gorm:""` // minor units
	CreatedAt        time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// Free reports whether the plan has no checkout price.
func (p Plan) Free() bool { return p.PriceKey == nil }

// Product is a one-off purchasable item with the same checkout price
// descriptor shape as Plan, minus recurrence.
type Product struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Code            string       `gorm:"type:text;not null;uniqueIndex:ux_products_code"`
	Name            string       `gorm:"type:text;not null"`
	Active          bool         `gorm:"not null;default:true"`
	Provider        *string      `gorm:"type:text"`
	ProviderPriceID *string      `gorm:"type:text"`
	PriceKey        *string      `gorm:"type:text;uniqueIndex:ux_products_price_key"`
	Currency        *string      `gorm:"type:text"`
	UnitAmount      *int64       `gorm:""`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }
