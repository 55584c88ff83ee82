package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Ensure returns the entity for (kind, externalRef), creating it on
	// first use. Concurrent first-use calls converge on a single row.
	Ensure(ctx context.Context, kind EntityKind, externalRef *string) (*BillableEntity, error)
	GetByID(ctx context.Context, id snowflake.ID) (*BillableEntity, error)

	// GetByExternalRef resolves an external reference without knowing the
	// kind, as provider webhooks carry only the ref string. When the same
	// ref exists under several kinds the oldest row wins.
	GetByExternalRef(ctx context.Context, externalRef string) (*BillableEntity, error)
}

var (
	ErrInvalidKind     = errors.New("invalid_entity_kind")
	ErrEntityNotFound  = errors.New("entity_not_found")
	ErrInvalidEntityID = errors.New("invalid_entity_id")
)

func ValidKind(kind EntityKind) bool {
	switch kind {
	case EntityKindWorkspace, EntityKindUser, EntityKindOrganization, EntityKindExternal:
		return true
	default:
		return false
	}
}
