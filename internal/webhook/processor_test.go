package webhook

import (
	"context"
	"testing"
	"time"

	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_SubscriptionClosedFallsBackToFreePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid, err := f.assignments.Assign(ctx, assignmentdomain.AssignRequest{
		EntityID:    f.entity.ID,
		PlanID:      f.paidPlan.ID,
		PeriodStart: f.clock.Now().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	pending, err := f.schedules.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     f.entity.ID,
		FromPlanID:   &f.paidPlan.ID,
		TargetPlanID: f.freePlan.ID,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  f.clock.Now().Add(24 * time.Hour),
		RequestedBy:  "user:7",
	})
	require.NoError(t, err)

	_, err = f.deliver(t, "evt_close_1", "subscription.closed", "cus_100")
	require.NoError(t, err)

	claimed, err := f.processor.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	current, err := f.assignments.GetCurrent(ctx, f.entity.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, f.freePlan.ID, current.PlanID)

	history, err := f.assignments.History(ctx, f.entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, paid.ID, history[0].ID)
	assert.False(t, history[0].IsCurrent)
	require.NotNil(t, history[0].PeriodEndAt)

	canceled, err := f.schedules.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, planchangedomain.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledBy)
	assert.Equal(t, "webhook:subscription_closed", *canceled.CanceledBy)
}

func TestProcessor_SubscriptionClosedWithoutFallbackJustCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy := config.DefaultBillingPolicy()
	policy.FallbackPlanCode = ""
	f.policy = config.NewStaticBillingPolicyHolder(policy)
	f.processor.policy = f.policy

	_, err := f.assignments.Assign(ctx, assignmentdomain.AssignRequest{
		EntityID:    f.entity.ID,
		PlanID:      f.paidPlan.ID,
		PeriodStart: f.clock.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = f.deliver(t, "evt_close_2", "subscription.closed", "cus_100")
	require.NoError(t, err)

	claimed, err := f.processor.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	current, err := f.assignments.GetCurrent(ctx, f.entity.ID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestProcessor_SubscriptionClosedTwiceConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.assignments.Assign(ctx, assignmentdomain.AssignRequest{
		EntityID:    f.entity.ID,
		PlanID:      f.paidPlan.ID,
		PeriodStart: f.clock.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = f.deliver(t, "evt_close_a", "subscription.closed", "cus_100")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.deliver(t, "evt_close_b", "subscription.closed", "cus_100")
	require.NoError(t, err)

	processed, err := f.processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	current, err := f.assignments.GetCurrent(ctx, f.entity.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, f.freePlan.ID, current.PlanID)

	// the second closure found the fallback already in place
	history, err := f.assignments.History(ctx, f.entity.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestProcessor_AuditKindsCompleteWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event, err := f.deliver(t, "evt_pm_1", "payment_method.updated", "cus_100")
	require.NoError(t, err)

	claimed, err := f.processor.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := f.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusProcessed, stored.Status)

	current, err := f.assignments.GetCurrent(ctx, f.entity.ID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestProcessor_NothingClaimable(t *testing.T) {
	f := newFixture(t)

	claimed, err := f.processor.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestProcessor_DrainHonorsMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"evt_d1", "evt_d2", "evt_d3"} {
		_, err := f.deliver(t, id, "payment.succeeded", "cus_100")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	processed, err := f.processor.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	processed, err = f.processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestProcessor_CorruptPayloadMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	corrupt := &eventdomain.BillingEvent{
		ID:         1234567890,
		EventType:  eventdomain.TypeWebhook,
		Status:     eventdomain.StatusReceived,
		ReceivedAt: f.clock.Now(),
		OccurredAt: f.clock.Now(),
		Payload:    []byte("not snappy data"),
	}
	require.NoError(t, f.db.Create(corrupt).Error)

	claimed, err := f.processor.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := f.events.GetByID(ctx, corrupt.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "decode payload")
}

func TestProcessor_TerminalEventDoesNotStallTheBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// final allowed attempt; the failure parks the event
	poison := &eventdomain.BillingEvent{
		ID:           1234567891,
		EventType:    eventdomain.TypeWebhook,
		Status:       eventdomain.StatusReceived,
		AttemptCount: f.policy.Get().MaxAttempts - 1,
		ReceivedAt:   f.clock.Now().Add(-time.Minute),
		OccurredAt:   f.clock.Now().Add(-time.Minute),
		Payload:      []byte("not snappy data"),
	}
	require.NoError(t, f.db.Create(poison).Error)

	healthy, err := f.deliver(t, "evt_after_poison", "payment_method.updated", "cus_100")
	require.NoError(t, err)

	processed, err := f.processor.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	parked, err := f.events.GetByID(ctx, poison.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusFailed, parked.Status)
	assert.Equal(t, f.policy.Get().MaxAttempts, parked.AttemptCount)

	done, err := f.events.GetByID(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusProcessed, done.Status)
}
