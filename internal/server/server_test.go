package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	assignmentservice "github.com/planfolio/billing/internal/assignment/service"
	"github.com/planfolio/billing/internal/cache"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	catalogservice "github.com/planfolio/billing/internal/catalog/service"
	checkoutservice "github.com/planfolio/billing/internal/checkout/service"
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
	"github.com/planfolio/billing/internal/provider"
	"github.com/planfolio/billing/internal/provider/adapters"
	"github.com/planfolio/billing/internal/provider/adapters/fake"
	"github.com/planfolio/billing/internal/ratelimit"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	usageservice "github.com/planfolio/billing/internal/usage/service"
	"github.com/planfolio/billing/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	router *gin.Engine
	db     *gorm.DB
	clock  *clock.FakeClock

	entity   *entitydomain.BillableEntity
	freePlan *catalogdomain.Plan
	paidPlan *catalogdomain.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entitydomain.BillableEntity{},
		&catalogdomain.Plan{},
		&catalogdomain.Product{},
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
	fakeClock := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	cfg := config.Config{DefaultProvider: "fake"}

	entities := entityservice.NewService(entityservice.ServiceParam{DB: db, Log: log, GenID: node})
	catalog := catalogservice.NewService(catalogservice.ServiceParam{DB: db, Log: log, GenID: node})
	assignments := assignmentservice.NewService(assignmentservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock})
	schedules := planchangeservice.NewService(planchangeservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})
	events := eventservice.NewService(eventservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})
	usage := usageservice.NewService(usageservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock})
	guard := idemservice.NewService(idemservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fakeClock, Policy: policy})

	resolver := provider.NewResolver(adapters.NewRegistry(fake.NewFactory()), cfg)
	checkout := checkoutservice.NewService(checkoutservice.ServiceParam{
		Log: log, Config: cfg, Catalog: catalog, Entities: entities, Guard: guard, Resolver: resolver,
	})
	intake := webhook.NewIntake(webhook.IntakeParam{
		Log: log, Resolver: resolver, Events: events, Entities: entities, Cache: cache.NewEntityResolverCache(),
	})

	h := NewHandlers(HandlersParam{
		Log:         log,
		Entities:    entities,
		Catalog:     catalog,
		Assignments: assignments,
		Schedules:   schedules,
		Events:      events,
		Usage:       usage,
		Checkout:    checkout,
		Intake:      intake,
		Limiter:     ratelimit.NewWebhookLimiter(config.Config{}),
	})

	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	RegisterRoutes(r, h)

	ctx := context.Background()
	ref := "cus_500"
	entity, err := entities.Ensure(ctx, entitydomain.EntityKindWorkspace, &ref)
	require.NoError(t, err)
	freePlan, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{Name: "Free"})
	require.NoError(t, err)
	paidPlan, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		Name: "Pro",
		CheckoutPrice: &catalogdomain.CheckoutPriceRequest{
			Provider:        "fake",
			ProviderPriceID: "price_pro_monthly",
			Interval:        catalogdomain.IntervalMonth,
			IntervalCount:   1,
			Currency:        "usd",
			UnitAmount:      2900,
		},
	})
	require.NoError(t, err)

	return &fixture{
		router:   r,
		db:       db,
		clock:    fakeClock,
		entity:   entity,
		freePlan: freePlan,
		paidPlan: paidPlan,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestEnsureEntityIsIdempotentAcrossRequests(t *testing.T) {
	f := newFixture(t)

	body := gin.H{"kind": "USER", "external_ref": "usr_42"}
	first := f.do(t, http.MethodPost, "/v1/entities", body)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/v1/entities", body)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, decodeBody(t, first)["ID"], decodeBody(t, second)["ID"])
}

func TestGetEntityRejectsGarbageID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/entities/not-a-snowflake", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeBody(t, w)["error"].(map[string]any)["type"])
}

func TestGetEntityNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/entities/999999999999999999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w)["error"].(map[string]any)["type"])
}

func TestAssignAndReadCurrent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/assignments", f.entity.ID), gin.H{
		"plan_id":      f.paidPlan.ID.String(),
		"period_start": f.clock.Now().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	current := f.do(t, http.MethodGet, fmt.Sprintf("/v1/entities/%s/assignments/current", f.entity.ID), nil)
	require.Equal(t, http.StatusOK, current.Code)

	history := f.do(t, http.MethodGet, fmt.Sprintf("/v1/entities/%s/assignments", f.entity.ID), nil)
	require.Equal(t, http.StatusOK, history.Code)
}

func TestCurrentAssignmentMissingIs404(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/v1/entities/%s/assignments/current", f.entity.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecondPendingScheduleIsConflict(t *testing.T) {
	f := newFixture(t)

	_ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/assignments", f.entity.ID), gin.H{
		"plan_id":      f.paidPlan.ID.String(),
		"period_start": f.clock.Now().Format(time.RFC3339),
	})

	body := gin.H{
		"target_plan_id": f.freePlan.ID.String(),
		"kind":           "downgrade",
		"effective_at":   f.clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"requested_by":   "ops@example.com",
	}
	first := f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/schedules", f.entity.ID), body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/schedules", f.entity.ID), body)
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "conflict", decodeBody(t, second)["error"].(map[string]any)["type"])
}

func TestCancelScheduleTwiceIsInvalidState(t *testing.T) {
	f := newFixture(t)

	_ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/assignments", f.entity.ID), gin.H{
		"plan_id":      f.paidPlan.ID.String(),
		"period_start": f.clock.Now().Format(time.RFC3339),
	})
	created := f.do(t, http.MethodPost, fmt.Sprintf("/v1/entities/%s/schedules", f.entity.ID), gin.H{
		"target_plan_id": f.freePlan.ID.String(),
		"kind":           "downgrade",
		"effective_at":   f.clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"requested_by":   "ops@example.com",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	scheduleID := decodeBody(t, created)["ID"]

	cancelBody := gin.H{"canceled_by": "ops@example.com"}
	first := f.do(t, http.MethodDelete, fmt.Sprintf("/v1/schedules/%v", scheduleID), cancelBody)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := f.do(t, http.MethodDelete, fmt.Sprintf("/v1/schedules/%v", scheduleID), cancelBody)
	require.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, "invalid_state", decodeBody(t, second)["error"].(map[string]any)["type"])
}

func TestRecordUsageReportsRedeliveryAsNotApplied(t *testing.T) {
	f := newFixture(t)

	windowStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	body := gin.H{
		"entity_id":        f.entity.ID.String(),
		"entitlement_code": "api_calls",
		"usage_event_key":  "evt-700",
		"window_start":     windowStart.Format(time.RFC3339),
		"window_end":       windowStart.Add(24 * time.Hour).Format(time.RFC3339),
		"amount":           7,
	}

	first := f.do(t, http.MethodPost, "/v1/usage", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, true, decodeBody(t, first)["applied"])

	second := f.do(t, http.MethodPost, "/v1/usage", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, false, decodeBody(t, second)["applied"])

	read := f.do(t, http.MethodGet, fmt.Sprintf(
		"/v1/entities/%s/usage?entitlement_code=api_calls&window_start=%s",
		f.entity.ID, windowStart.Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusOK, read.Code)
	assert.Equal(t, float64(7), decodeBody(t, read)["amount"])
}

func TestCheckoutSessionReplayIsFlagged(t *testing.T) {
	f := newFixture(t)

	body := gin.H{
		"entity_id":       f.entity.ID.String(),
		"plan_id":         f.paidPlan.ID.String(),
		"idempotency_key": "chk-server-1",
		"success_url":     "https://app.example.com/ok",
		"cancel_url":      "https://app.example.com/cancel",
	}
	first := f.do(t, http.MethodPost, "/v1/checkout/sessions", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get(replayHeader))

	second := f.do(t, http.MethodPost, "/v1/checkout/sessions", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayHeader))
	assert.Equal(t, decodeBody(t, first)["session_id"], decodeBody(t, second)["session_id"])
}

func TestCheckoutFreePlanIsValidationError(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/checkout/sessions", gin.H{
		"entity_id":       f.entity.ID.String(),
		"plan_id":         f.freePlan.ID.String(),
		"idempotency_key": "chk-server-2",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookIntakeAcceptsSignedDelivery(t *testing.T) {
	f := newFixture(t)

	payload, err := json.Marshal(gin.H{
		"id":          "evt_srv_1",
		"type":        "subscription.closed",
		"entity_ref":  "cus_500",
		"occurred_at": f.clock.Now().Format(time.RFC3339),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader(payload))
	req.Header.Set(fake.SignatureHeader, fake.Sign("fake-webhook-secret", payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeBody(t, w)["event_id"])
}

func TestWebhookIntakeUnsignedIs400(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":"evt_srv_2","type":"subscription_closed","entity_ref":"cus_500"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookIntakeIgnoredKindIs200(t *testing.T) {
	f := newFixture(t)

	payload, err := json.Marshal(gin.H{
		"id":         "evt_srv_3",
		"type":       "invoice.finalized",
		"entity_ref": "cus_500",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader(payload))
	req.Header.Set(fake.SignatureHeader, fake.Sign("fake-webhook-secret", payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decodeBody(t, w)["status"])
}

func TestWebhookUnknownProviderIs404(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nope", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFailedEventsEmpty(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/events/failed?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["count"])
}
