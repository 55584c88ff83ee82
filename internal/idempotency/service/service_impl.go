package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	"github.com/planfolio/billing/internal/fault"
	idemdomain "github.com/planfolio/billing/internal/idempotency/domain"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	"github.com/planfolio/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.BillingPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.BillingPolicyHolder
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) idemdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("idempotency.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

func (s *Service) Do(ctx context.Context, action idemdomain.Action, key string, fn func(ctx context.Context) (datatypes.JSON, error)) (idemdomain.DoResult, error) {
	if !idemdomain.ValidAction(action) {
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInvalidAction, fault.ErrValidation)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInvalidKey, fault.ErrValidation)
	}

	now := s.clock.Now()
	claim := &idemdomain.IdempotencyRecord{
		ID:        s.genID.Generate(),
		Action:    action,
		Key:       key,
		Status:    idemdomain.StatusInFlight,
		ClaimedAt: now,
	}

	if err := s.db.WithContext(ctx).Create(claim).Error; err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return idemdomain.DoResult{}, err
		}
		return s.resolveDuplicate(ctx, action, key, fn)
	}

	return s.run(ctx, claim, fn)
}

// resolveDuplicate handles the losing side of the claim insert: replay a
// completed result, take over an abandoned claim, or conflict.
func (s *Service) resolveDuplicate(ctx context.Context, action idemdomain.Action, key string, fn func(ctx context.Context) (datatypes.JSON, error)) (idemdomain.DoResult, error) {
	existing, err := s.Get(ctx, action, key)
	if err != nil {
		return idemdomain.DoResult{}, err
	}
	if existing == nil {
		// claim reaped between insert and lookup
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInFlight, fault.ErrConflict)
	}

	if existing.Status == idemdomain.StatusCompleted {
		s.count(func(m *obsmetrics.Metrics) { m.IncIdempotentReplay() })
		return idemdomain.DoResult{Result: existing.Result, Replayed: true}, nil
	}

	now := s.clock.Now()
	cutoff := now.Add(-s.policy.Get().IdempotencyInFlightTTL)
	if existing.ClaimedAt.After(cutoff) {
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInFlight, fault.ErrConflict)
	}

	// the original claimant is presumed dead; take the claim over with a
	// conditional write so only one successor wins
	takeover := s.db.WithContext(ctx).Model(&idemdomain.IdempotencyRecord{}).
		Where("id = ? AND status = ? AND claimed_at <= ?", existing.ID, idemdomain.StatusInFlight, cutoff).
		Updates(map[string]any{
			"claimed_at": now,
			"updated_at": now,
		})
	if takeover.Error != nil {
		return idemdomain.DoResult{}, takeover.Error
	}
	if takeover.RowsAffected == 0 {
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInFlight, fault.ErrConflict)
	}

	s.log.Warn("took over abandoned idempotency claim",
		zap.String("action", string(action)),
		zap.String("key", key),
	)
	existing.ClaimedAt = now
	return s.run(ctx, existing, fn)
}

func (s *Service) run(ctx context.Context, claim *idemdomain.IdempotencyRecord, fn func(ctx context.Context) (datatypes.JSON, error)) (idemdomain.DoResult, error) {
	result, err := fn(ctx)
	if err != nil {
		// release the claim so a retry can run fn again
		if delErr := s.db.WithContext(ctx).Delete(&idemdomain.IdempotencyRecord{}, "id = ?", claim.ID).Error; delErr != nil {
			s.log.Error("failed to release idempotency claim",
				zap.String("key", claim.Key),
				zap.Error(delErr),
			)
		}
		return idemdomain.DoResult{}, err
	}

	now := s.clock.Now()
	update := s.db.WithContext(ctx).Model(&idemdomain.IdempotencyRecord{}).
		Where("id = ? AND status = ?", claim.ID, idemdomain.StatusInFlight).
		Updates(map[string]any{
			"status":       idemdomain.StatusCompleted,
			"result":       result,
			"completed_at": now,
			"updated_at":   now,
		})
	if update.Error != nil {
		return idemdomain.DoResult{}, update.Error
	}
	if update.RowsAffected == 0 {
		// the claim was taken over while fn ran past its TTL
		return idemdomain.DoResult{}, fmt.Errorf("%w: %w", idemdomain.ErrInFlight, fault.ErrConflict)
	}
	return idemdomain.DoResult{Result: result}, nil
}

func (s *Service) Reap(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.policy.Get().IdempotencyInFlightTTL)
	result := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at <= ?", idemdomain.StatusInFlight, cutoff).
		Delete(&idemdomain.IdempotencyRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Warn("reaped abandoned idempotency claims", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) Get(ctx context.Context, action idemdomain.Action, key string) (*idemdomain.IdempotencyRecord, error) {
	var record idemdomain.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("action = ? AND key = ?", action, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) count(fn func(m *obsmetrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

var Module = fx.Module("idempotency",
	fx.Provide(NewService),
)
