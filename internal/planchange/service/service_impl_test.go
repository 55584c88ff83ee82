package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&planchangedomain.PlanChangeSchedule{},
		&assignmentdomain.PlanAssignment{},
		&eventdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	svc := &Service{
		db:     db,
		log:    zap.NewNop(),
		genID:  node,
		clock:  fake,
		policy: config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()),
	}
	return svc, db, fake
}

func mustAssign(t *testing.T, s *Service, entityID, planID snowflake.ID, startAt time.Time) *assignmentdomain.PlanAssignment {
	t.Helper()
	record := &assignmentdomain.PlanAssignment{
		ID:            s.genID.Generate(),
		EntityID:      entityID,
		PlanID:        planID,
		PeriodStartAt: startAt,
		IsCurrent:     true,
		CurrentKey:    &entityID,
	}
	require.NoError(t, s.db.Create(record).Error)
	return record
}

func TestSchedule_SecondPendingConflicts(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	planA := svc.genID.Generate()
	planB := svc.genID.Generate()

	first, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planA,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(24 * time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)
	assert.Equal(t, planchangedomain.StatusPending, first.Status)
	require.NotNil(t, first.PendingKey)
	assert.Equal(t, entityID, *first.PendingKey)

	_, err = svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planB,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(48 * time.Hour),
		RequestedBy:  "user:42",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, planchangedomain.ErrPendingExists)
	assert.True(t, fault.IsConflict(err))
}

func TestSchedule_RejectsPastEffectiveAt(t *testing.T) {
	svc, _, fake := newTestService(t)

	_, err := svc.Schedule(context.Background(), planchangedomain.ScheduleRequest{
		EntityID:     svc.genID.Generate(),
		TargetPlanID: svc.genID.Generate(),
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(-time.Minute),
		RequestedBy:  "user:42",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, planchangedomain.ErrInvalidEffectiveAt)
	assert.True(t, fault.IsValidation(err))
}

func TestCancel_FreesThePendingSlot(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	planA := svc.genID.Generate()

	first, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planA,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(24 * time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, first.ID, "user:7"))

	canceled, err := svc.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, planchangedomain.StatusCanceled, canceled.Status)
	assert.Nil(t, canceled.PendingKey)
	require.NotNil(t, canceled.CanceledBy)
	assert.Equal(t, "user:7", *canceled.CanceledBy)

	// the slot is free again
	_, err = svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planA,
		Kind:         planchangedomain.KindPromoFallback,
		EffectiveAt:  fake.Now().Add(24 * time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)
}

func TestCancel_TerminalScheduleIsInvalidState(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	first, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: svc.genID.Generate(),
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, first.ID, "user:7"))

	err = svc.Cancel(ctx, first.ID, "user:7")
	require.Error(t, err)
	assert.ErrorIs(t, err, planchangedomain.ErrNotPending)
	assert.True(t, fault.IsInvalidState(err))
}

func TestApplyDue_SwapsAssignmentAndEmitsEvent(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	planA := svc.genID.Generate()
	planB := svc.genID.Generate()
	mustAssign(t, svc, entityID, planA, fake.Now())

	fromPlan := planA
	schedule, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		FromPlanID:   &fromPlan,
		TargetPlanID: planB,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(24 * time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)

	// not yet due
	outcome, err := svc.ApplyDue(ctx, fake.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Applied)

	fake.Advance(25 * time.Hour)
	outcome, err = svc.ApplyDue(ctx, fake.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Applied)
	assert.Equal(t, 0, outcome.Retried)

	applied, err := svc.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, planchangedomain.StatusApplied, applied.Status)
	assert.Nil(t, applied.PendingKey)
	require.NotNil(t, applied.AppliedAt)

	var current assignmentdomain.PlanAssignment
	require.NoError(t, db.Where("entity_id = ? AND is_current = ?", entityID, true).First(&current).Error)
	assert.Equal(t, planB, current.PlanID)
	assert.True(t, current.PeriodStartAt.Equal(schedule.EffectiveAt))

	var old assignmentdomain.PlanAssignment
	require.NoError(t, db.Where("entity_id = ? AND plan_id = ?", entityID, planA).First(&old).Error)
	assert.False(t, old.IsCurrent)
	require.NotNil(t, old.PeriodEndAt)
	assert.True(t, old.PeriodEndAt.Equal(schedule.EffectiveAt))

	var event eventdomain.BillingEvent
	require.NoError(t, db.Where("schedule_id = ?", schedule.ID).First(&event).Error)
	assert.Equal(t, eventdomain.TypePlanChange, event.EventType)
	assert.Equal(t, eventdomain.StatusReceived, event.Status)
	payload, err := event.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "downgrade", payload["kind"])
}

func TestApplyDue_AppliesWithoutCurrentAssignment(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	planB := svc.genID.Generate()

	_, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planB,
		Kind:         planchangedomain.KindPromoFallback,
		EffectiveAt:  fake.Now().Add(time.Hour),
		RequestedBy:  "system:promo",
	})
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)
	outcome, err := svc.ApplyDue(ctx, fake.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Applied)

	var current assignmentdomain.PlanAssignment
	require.NoError(t, db.Where("entity_id = ? AND is_current = ?", entityID, true).First(&current).Error)
	assert.Equal(t, planB, current.PlanID)
}

func TestApplyDue_AppliesInEffectiveOrder(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := context.Background()

	planB := svc.genID.Generate()
	entities := []snowflake.ID{svc.genID.Generate(), svc.genID.Generate(), svc.genID.Generate()}
	for i, entityID := range entities {
		_, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
			EntityID:     entityID,
			TargetPlanID: planB,
			Kind:         planchangedomain.KindDowngrade,
			EffectiveAt:  fake.Now().Add(time.Duration(i+1) * time.Hour),
			RequestedBy:  "user:42",
		})
		require.NoError(t, err)
	}

	fake.Advance(48 * time.Hour)
	outcome, err := svc.ApplyDue(ctx, fake.Now())
	require.NoError(t, err)
	assert.Equal(t, len(entities), outcome.Applied)

	var count int64
	require.NoError(t, db.Model(&planchangedomain.PlanChangeSchedule{}).
		Where("status = ?", planchangedomain.StatusPending).
		Count(&count).Error)
	assert.Zero(t, count)
}

func TestApplyDue_SecondRunDoesNotReapply(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := context.Background()

	entityID := svc.genID.Generate()
	planA := svc.genID.Generate()
	planB := svc.genID.Generate()
	mustAssign(t, svc, entityID, planA, fake.Now())

	schedule, err := svc.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     entityID,
		TargetPlanID: planB,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  fake.Now().Add(time.Hour),
		RequestedBy:  "user:42",
	})
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)
	now := fake.Now()
	outcome, err := svc.ApplyDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Applied)

	outcome, err = svc.ApplyDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Applied)
	assert.Equal(t, 0, outcome.Retried)

	// a worker holding a stale scan result loses the status claim and
	// must leave assignments and the event ledger untouched
	stale := *schedule
	stale.Status = planchangedomain.StatusPending
	require.NoError(t, svc.applyOne(ctx, &stale, now))

	var assignments int64
	require.NoError(t, db.Model(&assignmentdomain.PlanAssignment{}).
		Where("entity_id = ?", entityID).
		Count(&assignments).Error)
	assert.EqualValues(t, 2, assignments)

	var current int64
	require.NoError(t, db.Model(&assignmentdomain.PlanAssignment{}).
		Where("entity_id = ? AND is_current = ?", entityID, true).
		Count(&current).Error)
	assert.EqualValues(t, 1, current)

	var events int64
	require.NoError(t, db.Model(&eventdomain.BillingEvent{}).
		Where("schedule_id = ?", schedule.ID).
		Count(&events).Error)
	assert.EqualValues(t, 1, events)
}
