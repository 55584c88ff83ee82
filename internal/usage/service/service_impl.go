package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/cloudmetrics"
	"github.com/planfolio/billing/internal/fault"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics        `optional:"true"`
	Cloud   *cloudmetrics.CloudMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
	cloud   *cloudmetrics.CloudMetrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
		cloud:   p.Cloud,
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (bool, error) {
	if req.EntityID == 0 {
		return false, fmt.Errorf("%w: %w", usagedomain.ErrInvalidEntity, fault.ErrValidation)
	}
	code := strings.TrimSpace(req.EntitlementCode)
	if code == "" {
		return false, fmt.Errorf("%w: %w", usagedomain.ErrInvalidEntitlement, fault.ErrValidation)
	}
	eventKey := strings.TrimSpace(req.UsageEventKey)
	if eventKey == "" {
		return false, fmt.Errorf("%w: %w", usagedomain.ErrInvalidEventKey, fault.ErrValidation)
	}
	if req.WindowStart.IsZero() || !req.WindowEnd.After(req.WindowStart) {
		return false, fmt.Errorf("%w: %w", usagedomain.ErrInvalidWindow, fault.ErrValidation)
	}
	if req.Amount <= 0 {
		return false, fmt.Errorf("%w: %w", usagedomain.ErrInvalidAmount, fault.ErrValidation)
	}

	now := s.clock.Now()
	windowStart := req.WindowStart.UTC()
	windowEnd := req.WindowEnd.UTC()
	event := &usagedomain.UsageEvent{
		ID:              s.genID.Generate(),
		EntityID:        req.EntityID,
		EntitlementCode: code,
		UsageEventKey:   eventKey,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		Amount:          req.Amount,
		DedupeKey:       dedupeKey(req.EntityID, code, eventKey, windowStart, windowEnd),
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// event insert and counter bump commit or roll back together,
		// so the counter always equals the sum of inserted events
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).Create(event)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		counter := &usagedomain.UsageCounter{
			ID:              s.genID.Generate(),
			EntityID:        req.EntityID,
			EntitlementCode: code,
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			Amount:          req.Amount,
			UpdatedAt:       now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "entity_id"},
				{Name: "entitlement_code"},
				{Name: "window_start"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"amount":     gorm.Expr("usage_counters.amount + ?", req.Amount),
				"updated_at": now,
			}),
		}).Create(counter).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.count(func(m *obsmetrics.Metrics) { m.IncUsageRecorded(code) })
		s.cloud.IncUsageEvent(code)
	} else {
		s.count(func(m *obsmetrics.Metrics) { m.IncUsageDuplicate(code) })
	}
	return applied, nil
}

func (s *Service) Get(ctx context.Context, entityID snowflake.ID, entitlementCode string, windowStart time.Time) (int64, error) {
	if entityID == 0 {
		return 0, fmt.Errorf("%w: %w", usagedomain.ErrInvalidEntity, fault.ErrValidation)
	}
	code := strings.TrimSpace(entitlementCode)
	if code == "" {
		return 0, fmt.Errorf("%w: %w", usagedomain.ErrInvalidEntitlement, fault.ErrValidation)
	}

	var counter usagedomain.UsageCounter
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND entitlement_code = ? AND window_start = ?", entityID, code, windowStart.UTC()).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return counter.Amount, nil
}

type counterRollup struct {
	EntityID        snowflake.ID
	EntitlementCode string
	WindowStart     time.Time
	WindowEnd       time.Time
	Total           int64
}

func (s *Service) RecomputeCounters(ctx context.Context, from, to time.Time) (int64, error) {
	if from.IsZero() || !to.After(from) {
		return 0, fmt.Errorf("%w: %w", usagedomain.ErrInvalidWindow, fault.ErrValidation)
	}

	now := s.clock.Now()
	var written int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rollups []counterRollup
		err := tx.Model(&usagedomain.UsageEvent{}).
			Select("entity_id, entitlement_code, window_start, window_end, SUM(amount) AS total").
			Where("window_start >= ? AND window_start < ?", from.UTC(), to.UTC()).
			Group("entity_id, entitlement_code, window_start, window_end").
			Scan(&rollups).Error
		if err != nil {
			return err
		}

		if err := tx.Where("window_start >= ? AND window_start < ?", from.UTC(), to.UTC()).
			Delete(&usagedomain.UsageCounter{}).Error; err != nil {
			return err
		}

		for _, rollup := range rollups {
			counter := &usagedomain.UsageCounter{
				ID:              s.genID.Generate(),
				EntityID:        rollup.EntityID,
				EntitlementCode: rollup.EntitlementCode,
				WindowStart:     rollup.WindowStart,
				WindowEnd:       rollup.WindowEnd,
				Amount:          rollup.Total,
				UpdatedAt:       now,
			}
			if err := tx.Create(counter).Error; err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if written > 0 {
		s.log.Info("usage counters recomputed",
			zap.Int64("counters", written),
			zap.Time("from", from),
			zap.Time("to", to),
		)
	}
	return written, nil
}

func dedupeKey(entityID snowflake.ID, code, eventKey string, windowStart, windowEnd time.Time) string {
	return strconv.FormatInt(entityID.Int64(), 10) + ":" + code + ":" + eventKey + ":" +
		strconv.FormatInt(windowStart.Unix(), 10) + ":" +
		strconv.FormatInt(windowEnd.Unix(), 10)
}

func (s *Service) count(fn func(m *obsmetrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

var Module = fx.Module("usage",
	fx.Provide(NewService),
)
