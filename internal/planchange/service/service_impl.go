package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	"github.com/planfolio/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const applyScanBatch = 64

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.BillingPolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.BillingPolicyHolder
}

func NewService(p ServiceParam) planchangedomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("planchange.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
	}
}

func (s *Service) Schedule(ctx context.Context, req planchangedomain.ScheduleRequest) (*planchangedomain.PlanChangeSchedule, error) {
	if req.EntityID == 0 {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidEntity, fault.ErrValidation)
	}
	if req.TargetPlanID == 0 {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidTargetPlan, fault.ErrValidation)
	}
	if !planchangedomain.ValidKind(req.Kind) {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidKind, fault.ErrValidation)
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidRequestedBy, fault.ErrValidation)
	}
	if !req.EffectiveAt.After(s.clock.Now()) {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidEffectiveAt, fault.ErrValidation)
	}

	entityID := req.EntityID
	record := &planchangedomain.PlanChangeSchedule{
		ID:           s.genID.Generate(),
		EntityID:     entityID,
		FromPlanID:   req.FromPlanID,
		TargetPlanID: req.TargetPlanID,
		Kind:         req.Kind,
		Status:       planchangedomain.StatusPending,
		PendingKey:   &entityID,
		EffectiveAt:  req.EffectiveAt.UTC(),
		RequestedBy:  strings.TrimSpace(req.RequestedBy),
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %w", planchangedomain.ErrPendingExists, fault.ErrConflict)
		}
		return nil, err
	}

	s.log.Info("plan change scheduled",
		zap.Int64("schedule_id", record.ID.Int64()),
		zap.Int64("entity_id", entityID.Int64()),
		zap.String("kind", string(record.Kind)),
		zap.Time("effective_at", record.EffectiveAt),
	)
	return record, nil
}

func (s *Service) Cancel(ctx context.Context, scheduleID snowflake.ID, canceledBy string) error {
	if scheduleID == 0 {
		return fmt.Errorf("%w: %w", planchangedomain.ErrScheduleNotFound, fault.ErrNotFound)
	}
	if strings.TrimSpace(canceledBy) == "" {
		return fmt.Errorf("%w: %w", planchangedomain.ErrInvalidRequestedBy, fault.ErrValidation)
	}

	record, err := s.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	by := strings.TrimSpace(canceledBy)
	result := s.db.WithContext(ctx).Model(&planchangedomain.PlanChangeSchedule{}).
		Where("id = ? AND status = ?", record.ID, planchangedomain.StatusPending).
		Updates(map[string]any{
			"status":      planchangedomain.StatusCanceled,
			"pending_key": nil,
			"canceled_by": by,
			"canceled_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %w", planchangedomain.ErrNotPending, fault.ErrInvalidState)
	}

	s.log.Info("plan change canceled",
		zap.Int64("schedule_id", record.ID.Int64()),
		zap.String("canceled_by", by),
	)
	return nil
}

func (s *Service) ApplyDue(ctx context.Context, now time.Time) (planchangedomain.ApplyOutcome, error) {
	outcome := planchangedomain.ApplyOutcome{}

	var due []planchangedomain.PlanChangeSchedule
	err := s.db.WithContext(ctx).
		Where("status = ? AND effective_at <= ?", planchangedomain.StatusPending, now.UTC()).
		Order("effective_at ASC, id ASC").
		Limit(applyScanBatch).
		Find(&due).Error
	if err != nil {
		return outcome, err
	}

	for i := range due {
		schedule := due[i]
		if err := s.applyOne(ctx, &schedule, now); err != nil {
			if fault.IsConflict(err) {
				// slot contention; the schedule stays pending for the
				// next tick
				outcome.Retried++
				s.log.Warn("plan change apply deferred",
					zap.Int64("schedule_id", schedule.ID.Int64()),
					zap.Error(err),
				)
				continue
			}
			return outcome, err
		}
		outcome.Applied++
	}
	return outcome, nil
}

func (s *Service) applyOne(ctx context.Context, schedule *planchangedomain.PlanChangeSchedule, now time.Time) error {
	entityID := schedule.EntityID
	startAt := schedule.EffectiveAt

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed := tx.Model(&planchangedomain.PlanChangeSchedule{}).
			Where("id = ? AND status = ?", schedule.ID, planchangedomain.StatusPending).
			Updates(map[string]any{
				"status":      planchangedomain.StatusApplied,
				"pending_key": nil,
				"applied_at":  now.UTC(),
				"updated_at":  now.UTC(),
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			// canceled or applied since the scan
			return nil
		}

		var current assignmentdomain.PlanAssignment
		err := tx.Where("entity_id = ? AND is_current = ?", entityID, true).First(&current).Error
		switch {
		case err == nil:
			result := tx.Model(&assignmentdomain.PlanAssignment{}).
				Where("id = ? AND is_current = ?", current.ID, true).
				Updates(map[string]any{
					"is_current":    false,
					"current_key":   nil,
					"period_end_at": startAt,
					"updated_at":    now.UTC(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %w", assignmentdomain.ErrAssignmentChanged, fault.ErrConflict)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// promo fallback for an entity whose assignment was already
			// closed; the new assignment simply opens the next period
		default:
			return err
		}

		next := &assignmentdomain.PlanAssignment{
			ID:            s.genID.Generate(),
			EntityID:      entityID,
			PlanID:        schedule.TargetPlanID,
			PeriodStartAt: startAt,
			IsCurrent:     true,
			CurrentKey:    &entityID,
		}
		if err := tx.Create(next).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %w", assignmentdomain.ErrAssignmentTaken, fault.ErrConflict)
			}
			return err
		}

		payload, err := eventdomain.EncodePayload(map[string]any{
			"kind":           string(schedule.Kind),
			"from_plan_id":   int64OrNil(schedule.FromPlanID),
			"target_plan_id": schedule.TargetPlanID.Int64(),
			"requested_by":   schedule.RequestedBy,
		})
		if err != nil {
			return err
		}
		retention := now.Add(s.policy.Get().PayloadRetention)
		scheduleID := schedule.ID
		targetPlanID := schedule.TargetPlanID
		event := &eventdomain.BillingEvent{
			ID:                    s.genID.Generate(),
			EventType:             eventdomain.TypePlanChange,
			Status:                eventdomain.StatusReceived,
			ReceivedAt:            now.UTC(),
			OccurredAt:            startAt,
			Payload:               payload,
			PayloadRetentionUntil: &retention,
			EntityID:              &entityID,
			PlanID:                &targetPlanID,
			ScheduleID:            &scheduleID,
		}
		return tx.Create(event).Error
	})
}

func (s *Service) GetByID(ctx context.Context, scheduleID snowflake.ID) (*planchangedomain.PlanChangeSchedule, error) {
	var record planchangedomain.PlanChangeSchedule
	err := s.db.WithContext(ctx).Where("id = ?", scheduleID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", planchangedomain.ErrScheduleNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) GetPending(ctx context.Context, entityID snowflake.ID) (*planchangedomain.PlanChangeSchedule, error) {
	if entityID == 0 {
		return nil, fmt.Errorf("%w: %w", planchangedomain.ErrInvalidEntity, fault.ErrValidation)
	}
	var record planchangedomain.PlanChangeSchedule
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND status = ?", entityID, planchangedomain.StatusPending).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func int64OrNil(id *snowflake.ID) any {
	if id == nil {
		return nil
	}
	return id.Int64()
}

var Module = fx.Module("planchange",
	fx.Provide(NewService),
)
