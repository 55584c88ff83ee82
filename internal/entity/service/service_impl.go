package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	"github.com/planfolio/billing/internal/fault"
	"github.com/planfolio/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) entitydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entity.service"),
		genID: p.GenID,
	}
}

func (s *Service) Ensure(ctx context.Context, kind entitydomain.EntityKind, externalRef *string) (*entitydomain.BillableEntity, error) {
	if !entitydomain.ValidKind(kind) {
		return nil, fmt.Errorf("%w: %w", entitydomain.ErrInvalidKind, fault.ErrValidation)
	}
	ref := normalizeRef(externalRef)

	if ref != nil {
		existing, err := s.findByKindRef(ctx, kind, *ref)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	record := &entitydomain.BillableEntity{
		ID:          s.genID.Generate(),
		Kind:        kind,
		ExternalRef: ref,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) && ref != nil {
			// lost the first-use race; the winner's row is authoritative
			existing, ferr := s.findByKindRef(ctx, kind, *ref)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, fault.ErrConflict
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*entitydomain.BillableEntity, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %w", entitydomain.ErrInvalidEntityID, fault.ErrValidation)
	}
	var record entitydomain.BillableEntity
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", entitydomain.ErrEntityNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) GetByExternalRef(ctx context.Context, externalRef string) (*entitydomain.BillableEntity, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: %w", entitydomain.ErrInvalidEntityID, fault.ErrValidation)
	}
	var record entitydomain.BillableEntity
	err := s.db.WithContext(ctx).
		Where("external_ref = ?", ref).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", entitydomain.ErrEntityNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) findByKindRef(ctx context.Context, kind entitydomain.EntityKind, ref string) (*entitydomain.BillableEntity, error) {
	var record entitydomain.BillableEntity
	err := s.db.WithContext(ctx).
		Where("kind = ? AND external_ref = ?", kind, ref).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	value := strings.TrimSpace(*ref)
	if value == "" {
		return nil
	}
	return &value
}

var Module = fx.Module("entity",
	fx.Provide(NewService),
)
