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
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	"github.com/planfolio/billing/pkg/db"
	"github.com/planfolio/billing/pkg/db/option"
	"github.com/planfolio/billing/pkg/db/pagination"
	"github.com/planfolio/billing/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimScanBatch bounds how many candidates one ClaimNext pass inspects
// before giving up; contended candidates are claimed by other workers.
const claimScanBatch = 16

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
	store   repository.Repository[eventdomain.BillingEvent]
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.BillingPolicyHolder
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) eventdomain.Service {
	return &Service{
		db:      p.DB,
		store:   repository.ProvideStore[eventdomain.BillingEvent](p.DB),
		log:     p.Log.Named("event.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req eventdomain.IngestRequest) (*eventdomain.BillingEvent, error) {
	if !eventdomain.ValidType(req.EventType) {
		return nil, fmt.Errorf("%w: %w", eventdomain.ErrInvalidEventType, fault.ErrValidation)
	}

	now := s.clock.Now()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	var dedupeKey *string
	if req.EventType == eventdomain.TypeWebhook {
		provider := strings.TrimSpace(deref(req.Provider))
		providerEventID := strings.TrimSpace(deref(req.ProviderEventID))
		if provider == "" || providerEventID == "" {
			return nil, fmt.Errorf("%w: %w", eventdomain.ErrInvalidWebhook, fault.ErrValidation)
		}
		key := strings.ToLower(provider) + ":" + providerEventID
		dedupeKey = &key
		req.Provider = &provider
		req.ProviderEventID = &providerEventID
	}

	payload, err := eventdomain.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	retention := now.Add(s.policy.Get().PayloadRetention)
	record := &eventdomain.BillingEvent{
		ID:                    s.genID.Generate(),
		EventType:             req.EventType,
		Provider:              req.Provider,
		ProviderEventID:       req.ProviderEventID,
		DedupeKey:             dedupeKey,
		Status:                eventdomain.StatusReceived,
		ReceivedAt:            now,
		OccurredAt:            occurredAt.UTC(),
		Payload:               payload,
		PayloadRetentionUntil: &retention,
		EntityID:              req.EntityID,
		PlanID:                req.PlanID,
		ScheduleID:            req.ScheduleID,
	}

	inserted, err := s.insertEvent(ctx, record, dedupeKey != nil)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// duplicate webhook delivery; the first row is authoritative
		existing, err := s.findByDedupeKey(ctx, *dedupeKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fault.ErrConflict
		}
		s.count(func(m *obsmetrics.Metrics) { m.IncEventDuplicate(string(req.EventType)) })
		return existing, nil
	}

	s.count(func(m *obsmetrics.Metrics) { m.IncEventIngested(string(req.EventType)) })
	return record, nil
}

func (s *Service) ClaimNext(ctx context.Context, filter eventdomain.ClaimFilter) (*eventdomain.BillingEvent, error) {
	maxAttempts := s.policy.Get().MaxAttempts
	now := s.clock.Now()

	candidates, err := s.fetchClaimable(ctx, filter, maxAttempts)
	if err != nil {
		return nil, err
	}

	for _, id := range candidates {
		result := s.db.WithContext(ctx).
			Model(&eventdomain.BillingEvent{}).
			Where("id = ? AND (status = ? OR (status = ? AND attempt_count < ?))",
				id, eventdomain.StatusReceived, eventdomain.StatusFailed, maxAttempts).
			Updates(map[string]any{
				"status":                eventdomain.StatusProcessing,
				"attempt_count":         gorm.Expr("attempt_count + 1"),
				"processing_started_at": now,
				"updated_at":            now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// another worker won this one; move on
			s.count(func(m *obsmetrics.Metrics) { m.IncClaimContention() })
			continue
		}
		var record eventdomain.BillingEvent
		if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
			return nil, err
		}
		s.count(func(m *obsmetrics.Metrics) { m.IncEventClaimed(string(record.EventType)) })
		return &record, nil
	}
	return nil, nil
}

func (s *Service) Complete(ctx context.Context, eventID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&eventdomain.BillingEvent{}).
		Where("id = ? AND status = ?", eventID, eventdomain.StatusProcessing).
		Updates(map[string]any{
			"status":       eventdomain.StatusProcessed,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.notProcessing(ctx, eventID)
	}
	s.count(func(m *obsmetrics.Metrics) { m.IncEventProcessed() })
	return nil
}

func (s *Service) Fail(ctx context.Context, eventID snowflake.ID, errorText string) error {
	now := s.clock.Now()
	errorText = strings.TrimSpace(errorText)
	result := s.db.WithContext(ctx).
		Model(&eventdomain.BillingEvent{}).
		Where("id = ? AND status = ?", eventID, eventdomain.StatusProcessing).
		Updates(map[string]any{
			"status":         eventdomain.StatusFailed,
			"last_failed_at": now,
			"last_error":     errorText,
			"updated_at":     now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.notProcessing(ctx, eventID)
	}
	s.count(func(m *obsmetrics.Metrics) { m.IncEventFailed() })

	record, err := s.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if record.AttemptCount >= s.policy.Get().MaxAttempts {
		s.log.Error("billing event exhausted retries",
			zap.String("event_id", eventID.String()),
			zap.Int("attempts", record.AttemptCount),
			zap.String("last_error", errorText),
		)
		return fmt.Errorf("event %s: %w", eventID, fault.ErrTerminalProcessing)
	}
	return nil
}

func (s *Service) SweepStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.policy.Get().StaleClaimAfter)
	result := s.db.WithContext(ctx).
		Model(&eventdomain.BillingEvent{}).
		Where("status = ? AND processing_started_at <= ?", eventdomain.StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":         eventdomain.StatusFailed,
			"last_failed_at": now,
			"last_error":     "stale claim reclaimed",
			"updated_at":     now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Warn("reclaimed stale event claims", zap.Int64("count", result.RowsAffected))
		s.count(func(m *obsmetrics.Metrics) { m.AddStaleClaimsSwept(result.RowsAffected) })
	}
	return result.RowsAffected, nil
}

func (s *Service) PurgeExpiredPayloads(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&eventdomain.BillingEvent{}).
		Where("payload IS NOT NULL AND payload_retention_until <= ?", now).
		Updates(map[string]any{
			"payload":    nil,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *Service) GetByID(ctx context.Context, eventID snowflake.ID) (*eventdomain.BillingEvent, error) {
	var record eventdomain.BillingEvent
	err := s.db.WithContext(ctx).First(&record, "id = ?", eventID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", eventdomain.ErrEventNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) ListTerminalFailed(ctx context.Context, limit int) ([]eventdomain.BillingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []eventdomain.BillingEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND attempt_count >= ?", eventdomain.StatusFailed, s.policy.Get().MaxAttempts).
		Order("last_failed_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) List(ctx context.Context, req eventdomain.ListRequest) (*eventdomain.ListResult, error) {
	query := &eventdomain.BillingEvent{}
	if req.EntityID != nil {
		query.EntityID = req.EntityID
	}
	if req.EventType != nil {
		query.EventType = *req.EventType
	}
	if req.Status != nil {
		query.Status = *req.Status
	}

	size := req.Page.PageSize
	if size <= 0 {
		size = 10
	}

	rows, err := s.store.Find(ctx, query,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{
			Allow: map[string]bool{"created_at": true, "received_at": true},
			Field: "created_at",
			Desc:  true,
		}),
	)
	if err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(e *eventdomain.BillingEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(rows) > size {
		rows = rows[:size]
	}
	return &eventdomain.ListResult{Events: rows, PageInfo: *pageInfo}, nil
}

func (s *Service) insertEvent(ctx context.Context, record *eventdomain.BillingEvent, deduped bool) (bool, error) {
	stmt := s.db.WithContext(ctx)
	if deduped {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		})
	}
	result := stmt.Create(record)
	if result.Error != nil {
		if deduped && db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByDedupeKey(ctx context.Context, key string) (*eventdomain.BillingEvent, error) {
	var record eventdomain.BillingEvent
	err := s.db.WithContext(ctx).
		Where("dedupe_key = ?", key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// fetchClaimable returns candidate ids in receivedAt order, which keeps
// processing best-effort FIFO per provider and event type.
func (s *Service) fetchClaimable(ctx context.Context, filter eventdomain.ClaimFilter, maxAttempts int) ([]snowflake.ID, error) {
	stmt := s.db.WithContext(ctx).
		Model(&eventdomain.BillingEvent{}).
		Where("status = ? OR (status = ? AND attempt_count < ?)",
			eventdomain.StatusReceived, eventdomain.StatusFailed, maxAttempts)
	if filter.EventType != nil {
		stmt = stmt.Where("event_type = ?", *filter.EventType)
	}
	if filter.Provider != nil {
		stmt = stmt.Where("provider = ?", *filter.Provider)
	}
	var ids []snowflake.ID
	err := stmt.Order("received_at ASC, id ASC").
		Limit(claimScanBatch).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) notProcessing(ctx context.Context, eventID snowflake.ID) error {
	if _, err := s.GetByID(ctx, eventID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", eventdomain.ErrNotProcessing, fault.ErrInvalidState)
}

func (s *Service) count(fn func(m *obsmetrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

var Module = fx.Module("event",
	fx.Provide(NewService),
)
