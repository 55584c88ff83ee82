package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/clock"
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
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p ServiceParam) assignmentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("assignment.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) GetCurrent(ctx context.Context, entityID snowflake.ID) (*assignmentdomain.PlanAssignment, error) {
	if entityID == 0 {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidEntity, fault.ErrValidation)
	}
	return s.findCurrent(ctx, s.db, entityID)
}

func (s *Service) Assign(ctx context.Context, req assignmentdomain.AssignRequest) (*assignmentdomain.PlanAssignment, error) {
	if req.EntityID == 0 {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidEntity, fault.ErrValidation)
	}
	if req.PlanID == 0 {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidPlan, fault.ErrValidation)
	}
	if req.PeriodStart.IsZero() {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidPeriod, fault.ErrValidation)
	}
	if req.PeriodEnd != nil && !req.PeriodEnd.After(req.PeriodStart) {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidPeriod, fault.ErrValidation)
	}

	entityID := req.EntityID
	record := &assignmentdomain.PlanAssignment{
		ID:            s.genID.Generate(),
		EntityID:      entityID,
		PlanID:        req.PlanID,
		PeriodStartAt: req.PeriodStart.UTC(),
		PeriodEndAt:   req.PeriodEnd,
		IsCurrent:     true,
		CurrentKey:    &entityID,
	}

	// Close-old and open-new are one atomic unit of work. The conditional
	// UPDATE only closes the row we read; if a concurrent writer got there
	// first, RowsAffected is 0 and the whole transaction aborts with a
	// retryable conflict.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.findCurrent(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if current != nil {
			result := tx.Model(&assignmentdomain.PlanAssignment{}).
				Where("id = ? AND is_current = ?", current.ID, true).
				Updates(map[string]any{
					"is_current":    false,
					"current_key":   nil,
					"period_end_at": record.PeriodStartAt,
					"updated_at":    s.clock.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %w", assignmentdomain.ErrAssignmentChanged, fault.ErrConflict)
			}
		}
		if err := tx.Create(record).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %w", assignmentdomain.ErrAssignmentTaken, fault.ErrConflict)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) CloseCurrent(ctx context.Context, entityID snowflake.ID, endAt time.Time) (*assignmentdomain.PlanAssignment, error) {
	if entityID == 0 {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidEntity, fault.ErrValidation)
	}
	if endAt.IsZero() {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidPeriod, fault.ErrValidation)
	}

	var closed *assignmentdomain.PlanAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.findCurrent(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %w", assignmentdomain.ErrNoCurrent, fault.ErrInvalidState)
		}
		if !endAt.After(current.PeriodStartAt) {
			return fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidPeriod, fault.ErrValidation)
		}
		result := tx.Model(&assignmentdomain.PlanAssignment{}).
			Where("id = ? AND is_current = ?", current.ID, true).
			Updates(map[string]any{
				"is_current":    false,
				"current_key":   nil,
				"period_end_at": endAt.UTC(),
				"updated_at":    s.clock.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %w", assignmentdomain.ErrAssignmentChanged, fault.ErrConflict)
		}
		end := endAt.UTC()
		current.IsCurrent = false
		current.CurrentKey = nil
		current.PeriodEndAt = &end
		closed = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *Service) History(ctx context.Context, entityID snowflake.ID) ([]assignmentdomain.PlanAssignment, error) {
	if entityID == 0 {
		return nil, fmt.Errorf("%w: %w", assignmentdomain.ErrInvalidEntity, fault.ErrValidation)
	}
	var records []assignmentdomain.PlanAssignment
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("period_start_at ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) findCurrent(ctx context.Context, tx *gorm.DB, entityID snowflake.ID) (*assignmentdomain.PlanAssignment, error) {
	var record assignmentdomain.PlanAssignment
	err := tx.WithContext(ctx).
		Where("entity_id = ? AND is_current = ?", entityID, true).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

var Module = fx.Module("assignment",
	fx.Provide(NewService),
)
