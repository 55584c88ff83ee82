// Package domain contains persistence models for billable entities.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntityKind classifies what a billable entity represents.
type EntityKind string

const (
	EntityKindWorkspace    EntityKind = "WORKSPACE"
	EntityKindUser         EntityKind = "USER"
	EntityKindOrganization EntityKind = "ORGANIZATION"
	EntityKindExternal     EntityKind = "EXTERNAL"
)

// BillableEntity is the opaque subject billing attaches to. Rows are never
// physically removed while referenced; downstream ledgers restrict deletes.
type BillableEntity struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Kind        EntityKind   `gorm:"type:text;not null;uniqueIndex:ux_billable_entities_kind_ref,priority:1"`
	ExternalRef *string      `gorm:"type:text;uniqueIndex:ux_billable_entities_kind_ref,priority:2"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillableEntity) TableName() string { return "billable_entities" }
