package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	assignmentservice "github.com/planfolio/billing/internal/assignment/service"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	catalogservice "github.com/planfolio/billing/internal/catalog/service"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	entityservice "github.com/planfolio/billing/internal/entity/service"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	eventservice "github.com/planfolio/billing/internal/event/service"
	idemdomain "github.com/planfolio/billing/internal/idempotency/domain"
	idemservice "github.com/planfolio/billing/internal/idempotency/service"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	planchangeservice "github.com/planfolio/billing/internal/planchange/service"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	usageservice "github.com/planfolio/billing/internal/usage/service"
	"github.com/planfolio/billing/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db          *gorm.DB
	clock       *clock.FakeClock
	policy      *config.BillingPolicyHolder
	entities    entitydomain.Service
	catalog     catalogdomain.Service
	assignments assignmentdomain.Service
	schedules   planchangedomain.Service
	events      eventdomain.Service
	usage       usagedomain.Service
	guard       idemdomain.Service
	sched       *Scheduler

	entity   *entitydomain.BillableEntity
	freePlan *catalogdomain.Plan
	paidPlan *catalogdomain.Plan
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entitydomain.BillableEntity{},
		&catalogdomain.Plan{},
		&assignmentdomain.PlanAssignment{},
		&planchangedomain.PlanChangeSchedule{},
		&eventdomain.BillingEvent{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageCounter{},
		&idemdomain.IdempotencyRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())

	entities := entityservice.NewService(entityservice.ServiceParam{DB: db, Log: log, GenID: node})
	catalog := catalogservice.NewService(catalogservice.ServiceParam{DB: db, Log: log, GenID: node})
	assignments := assignmentservice.NewService(assignmentservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock})
	schedules := planchangeservice.NewService(planchangeservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})
	events := eventservice.NewService(eventservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})
	usage := usageservice.NewService(usageservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock})
	guardSvc := idemservice.NewService(idemservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})

	processor := webhook.NewProcessor(webhook.ProcessorParam{
		Log:         log,
		Events:      events,
		Assignments: assignments,
		Schedules:   schedules,
		Catalog:     catalog,
		Policy:      policy,
		Clock:       fakeClock,
	})

	sched, err := New(Params{
		Log:       log,
		GenID:     node,
		Clock:     fakeClock,
		Schedules: schedules,
		Events:    events,
		Usage:     usage,
		Guard:     guardSvc,
		Processor: processor,
		Policy:    policy,
		Config:    cfg,
	})
	require.NoError(t, err)

	ctx := context.Background()
	ref := "ws_1"
	entity, err := entities.Ensure(ctx, entitydomain.EntityKindWorkspace, &ref)
	require.NoError(t, err)
	freePlan, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{Name: "Free"})
	require.NoError(t, err)
	paidPlan, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		Name: "Pro",
		CheckoutPrice: &catalogdomain.CheckoutPriceRequest{
			Provider:        "fake",
			ProviderPriceID: "price_pro",
			Interval:        catalogdomain.IntervalMonth,
			IntervalCount:   1,
			Currency:        "usd",
			UnitAmount:      4900,
		},
	})
	require.NoError(t, err)

	return &fixture{
		db:          db,
		clock:       fakeClock,
		policy:      policy,
		entities:    entities,
		catalog:     catalog,
		assignments: assignments,
		schedules:   schedules,
		events:      events,
		usage:       usage,
		guard:       guardSvc,
		sched:       sched,
		entity:      entity,
		freePlan:    freePlan,
		paidPlan:    paidPlan,
	}
}

func TestRunOnce_AppliesDueScheduleEndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.assignments.Assign(ctx, assignmentdomain.AssignRequest{
		EntityID:    f.entity.ID,
		PlanID:      f.paidPlan.ID,
		PeriodStart: f.clock.Now(),
	})
	require.NoError(t, err)

	schedule, err := f.schedules.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     f.entity.ID,
		FromPlanID:   &f.paidPlan.ID,
		TargetPlanID: f.freePlan.ID,
		Kind:         planchangedomain.KindDowngrade,
		EffectiveAt:  f.clock.Now().Add(time.Hour),
		RequestedBy:  "user:9",
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))

	applied, err := f.schedules.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, planchangedomain.StatusApplied, applied.Status)

	current, err := f.assignments.GetCurrent(ctx, f.entity.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, f.freePlan.ID, current.PlanID)

	// the same tick drained the plan_change audit event it emitted
	var processed int64
	require.NoError(t, f.db.Model(&eventdomain.BillingEvent{}).
		Where("event_type = ? AND status = ?", eventdomain.TypePlanChange, eventdomain.StatusProcessed).
		Count(&processed).Error)
	assert.EqualValues(t, 1, processed)
}

func TestRunOnce_ReapsAbandonedIdempotencyClaims(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	stale := &idemdomain.IdempotencyRecord{
		ID:        42,
		Action:    idemdomain.ActionCheckout,
		Key:       "stuck",
		Status:    idemdomain.StatusInFlight,
		ClaimedAt: f.clock.Now().Add(-time.Hour),
	}
	require.NoError(t, f.db.Create(stale).Error)

	require.NoError(t, f.sched.RunOnce(ctx))

	record, err := f.guard.Get(ctx, idemdomain.ActionCheckout, "stuck")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRunOnce_PurgesExpiredPayloads(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	providerName := "fake"
	eventID := "evt_old"
	event, err := f.events.Ingest(ctx, eventdomain.IngestRequest{
		EventType:       eventdomain.TypeWebhook,
		Provider:        &providerName,
		ProviderEventID: &eventID,
		Payload:         map[string]any{"kind": "payment.succeeded"},
		OccurredAt:      f.clock.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, event.Payload)

	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))

	stored, err := f.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Payload)
	require.NotNil(t, stored.ProviderEventID)
	assert.Equal(t, "evt_old", *stored.ProviderEventID)
}

func TestRunOnce_RecomputeRepairsCounterDrift(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	windowStart := f.clock.Now().Truncate(24 * time.Hour)
	windowEnd := windowStart.Add(24 * time.Hour)
	for i := 0; i < 3; i++ {
		applied, err := f.usage.Record(ctx, usagedomain.RecordRequest{
			EntityID:        f.entity.ID,
			EntitlementCode: "api_calls",
			UsageEventKey:   fmt.Sprintf("req-%d", i),
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			Amount:          5,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	// inject drift
	require.NoError(t, f.db.Model(&usagedomain.UsageCounter{}).
		Where("entity_id = ?", f.entity.ID).
		Update("amount", 999).Error)

	require.NoError(t, f.sched.RunOnce(ctx))

	amount, err := f.usage.Get(ctx, f.entity.ID, "api_calls", windowStart)
	require.NoError(t, err)
	assert.EqualValues(t, 15, amount)
}

func TestRunOnce_HonorsEnabledJobsFilter(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"process_events"}})
	ctx := context.Background()

	_, err := f.schedules.Schedule(ctx, planchangedomain.ScheduleRequest{
		EntityID:     f.entity.ID,
		TargetPlanID: f.freePlan.ID,
		Kind:         planchangedomain.KindPromoFallback,
		EffectiveAt:  f.clock.Now().Add(time.Minute),
		RequestedBy:  "system",
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))

	pending, err := f.schedules.GetPending(ctx, f.entity.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, planchangedomain.StatusPending, pending.Status)
}
