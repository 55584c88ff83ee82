package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	"github.com/planfolio/billing/pkg/db/pagination"
	"github.com/planfolio/billing/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&eventdomain.BillingEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	svc := &Service{
		db:     db,
		store:  repository.ProvideStore[eventdomain.BillingEvent](db),
		log:    zap.NewNop(),
		genID:  node,
		clock:  fake,
		policy: config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()),
	}
	return svc, db, fake
}

func strptr(v string) *string { return &v }

func webhookRequest(provider, providerEventID string) eventdomain.IngestRequest {
	return eventdomain.IngestRequest{
		EventType:       eventdomain.TypeWebhook,
		Provider:        strptr(provider),
		ProviderEventID: strptr(providerEventID),
		Payload:         map[string]any{"amount": 4200},
	}
}

func TestIngest_WebhookDuplicateIsIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_123"))
	require.NoError(t, err)
	require.NotNil(t, first.DedupeKey)
	assert.Equal(t, "stripe:evt_123", *first.DedupeKey)
	assert.Equal(t, eventdomain.StatusReceived, first.Status)

	// redelivery of the same provider event returns the original row
	second, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_123"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&eventdomain.BillingEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngest_SameEventIDAcrossProvidersDoesNotCollide(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_123"))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, webhookRequest("paypal", "evt_123"))
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&eventdomain.BillingEvent{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestIngest_WebhookWithoutProviderEventIDFails(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Ingest(context.Background(), eventdomain.IngestRequest{
		EventType: eventdomain.TypeWebhook,
		Provider:  strptr("stripe"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, eventdomain.ErrInvalidWebhook)
	assert.True(t, fault.IsValidation(err))
}

func TestIngest_InternalEventsCarryNoDedupeKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for range 2 {
		record, err := svc.Ingest(ctx, eventdomain.IngestRequest{
			EventType: eventdomain.TypePlanChange,
			Payload:   map[string]any{"kind": "downgrade"},
		})
		require.NoError(t, err)
		assert.Nil(t, record.DedupeKey)
	}
}

func TestIngest_PayloadRoundTripsThroughCompression(t *testing.T) {
	svc, _, _ := newTestService(t)

	record, err := svc.Ingest(context.Background(), webhookRequest("stripe", "evt_rt"))
	require.NoError(t, err)

	payload, err := record.DecodePayload()
	require.NoError(t, err)
	assert.EqualValues(t, 4200, payload["amount"])
}

func TestClaimNext_MovesEventToProcessing(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	ingested, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, ingested.ID, claimed.ID)
	assert.Equal(t, eventdomain.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ProcessingStartedAt)
	assert.WithinDuration(t, fake.Now(), *claimed.ProcessingStartedAt, time.Second)

	// nothing left to claim while the first is in flight
	next, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaimNext_OrdersByReceivedAt(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_a"))
	require.NoError(t, err)
	fake.Advance(time.Second)
	_, err = svc.Ingest(ctx, webhookRequest("stripe", "evt_b"))
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestClaimNext_FilterByEventType(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)
	planChange, err := svc.Ingest(ctx, eventdomain.IngestRequest{EventType: eventdomain.TypePlanChange})
	require.NoError(t, err)

	wanted := eventdomain.TypePlanChange
	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{EventType: &wanted})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, planChange.ID, claimed.ID)
}

func TestCompleteAndFail_RequireProcessing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ingested, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)

	err = svc.Complete(ctx, ingested.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventdomain.ErrNotProcessing)
	assert.True(t, fault.IsInvalidState(err))

	err = svc.Fail(ctx, ingested.ID, "boom")
	require.Error(t, err)
	assert.ErrorIs(t, err, eventdomain.ErrNotProcessing)

	err = svc.Complete(ctx, svc.genID.Generate())
	require.Error(t, err)
	assert.ErrorIs(t, err, eventdomain.ErrEventNotFound)
}

func TestFail_ThenRetryUntilTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	maxAttempts := svc.policy.Get().MaxAttempts

	ingested, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, claimed.AttemptCount)

		err = svc.Fail(ctx, claimed.ID, "provider timeout")
		if attempt < maxAttempts {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrTerminalProcessing)
		}
	}

	// the retry cap is exhausted; the event is parked
	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	failed, err := svc.ListTerminalFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ingested.ID, failed[0].ID)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "provider timeout", *failed[0].LastError)
}

func TestCompletedEventIsNeverReclaimed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, claimed.ID))

	again, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSweepStaleClaims_ReclaimsOnlyExpired(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	staleAfter := svc.policy.Get().StaleClaimAfter

	_, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_old"))
	require.NoError(t, err)
	stale, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, stale)

	fake.Advance(staleAfter + time.Minute)
	_, err = svc.Ingest(ctx, webhookRequest("stripe", "evt_new"))
	require.NoError(t, err)
	fresh, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, fresh)

	swept, err := svc.SweepStaleClaims(ctx, fake.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	reclaimed, err := svc.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusFailed, reclaimed.Status)
	require.NotNil(t, reclaimed.LastError)
	assert.Equal(t, "stale claim reclaimed", *reclaimed.LastError)

	untouched, err := svc.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.StatusProcessing, untouched.Status)
}

func TestPurgeExpiredPayloads_KeepsMetadata(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	retention := svc.policy.Get().PayloadRetention

	ingested, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)
	require.NotEmpty(t, ingested.Payload)

	fake.Advance(retention + time.Hour)
	purged, err := svc.PurgeExpiredPayloads(ctx, fake.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	record, err := svc.GetByID(ctx, ingested.ID)
	require.NoError(t, err)
	assert.Empty(t, record.Payload)
	assert.Equal(t, eventdomain.TypeWebhook, record.EventType)
	require.NotNil(t, record.DedupeKey)

	payload, err := record.DecodePayload()
	require.NoError(t, err)
	assert.Nil(t, payload)

	// a purged dedupe key still blocks redelivery
	again, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_1"))
	require.NoError(t, err)
	assert.Equal(t, ingested.ID, again.ID)
}

func TestList_PagesNewestFirst(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		ingested, err := svc.Ingest(ctx, webhookRequest("stripe", fmt.Sprintf("evt_list_%d", i)))
		require.NoError(t, err)
		// distinct created_at so cursor ordering is deterministic
		require.NoError(t, db.Model(&eventdomain.BillingEvent{}).
			Where("id = ?", ingested.ID).
			Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
		ids = append(ids, ingested.ID)
	}

	first, err := svc.List(ctx, eventdomain.ListRequest{Page: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, ids[2], first.Events[0].ID)
	assert.Equal(t, ids[1], first.Events[1].ID)

	second, err := svc.List(ctx, eventdomain.ListRequest{
		Page: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, ids[0], second.Events[0].ID)
}

func TestList_FiltersByStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ingested, err := svc.Ingest(ctx, webhookRequest("stripe", "evt_filter_1"))
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx, eventdomain.ClaimFilter{})
	require.NoError(t, err)
	require.Equal(t, ingested.ID, claimed.ID)
	require.NoError(t, svc.Complete(ctx, claimed.ID))
	_, err = svc.Ingest(ctx, webhookRequest("stripe", "evt_filter_2"))
	require.NoError(t, err)

	received := eventdomain.StatusReceived
	result, err := svc.List(ctx, eventdomain.ListRequest{
		Status: &received,
		Page:   pagination.Pagination{PageSize: 10},
	})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, eventdomain.StatusReceived, result.Events[0].Status)
}
