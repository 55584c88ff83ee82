package fake

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/planfolio/billing/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Config: map[string]any{"webhook_secret": "test-secret"},
	})
	require.NoError(t, err)
	return adapter
}

func signedHeaders(payload []byte) http.Header {
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("test-secret", payload))
	return headers
}

func TestVerifyAndParseWebhook(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"subscription.closed","entity_ref":"ws_42","data":{"reason":"payment_failed"}}`)

	parsed, err := adapter.VerifyAndParseWebhook(context.Background(), payload, signedHeaders(payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", parsed.ProviderEventID)
	assert.Equal(t, domain.KindSubscriptionClosed, parsed.Kind)
	assert.Equal(t, "ws_42", parsed.EntityRef)
	assert.Equal(t, "payment_failed", parsed.Payload["reason"])
}

func TestVerifyAndParseWebhook_BadSignature(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"subscription.closed"}`)

	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("wrong-secret", payload))
	_, err := adapter.VerifyAndParseWebhook(context.Background(), payload, headers)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = adapter.VerifyAndParseWebhook(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyAndParseWebhook_UnknownTypeIgnored(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.created"}`)

	_, err := adapter.VerifyAndParseWebhook(context.Background(), payload, signedHeaders(payload))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
}

func TestFactory_RequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{Config: map[string]any{}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestCreateCheckoutSession(t *testing.T) {
	adapter := newAdapter(t)

	session, err := adapter.CreateCheckoutSession(context.Background(), domain.SessionRequest{
		EntityRef:       "ws_42",
		ProviderPriceID: "price_1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Contains(t, session.URL, "/checkout/")
}

func TestCreateCheckoutSession_ConcurrentCallsGetDistinctIDs(t *testing.T) {
	adapter := newAdapter(t)

	const goroutines = 8
	const perGoroutine = 50
	ids := make(chan string, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				session, err := adapter.CreateCheckoutSession(context.Background(), domain.SessionRequest{
					EntityRef:       "ws_42",
					ProviderPriceID: "price_1",
				})
				assert.NoError(t, err)
				ids <- session.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, goroutines*perGoroutine)
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestSessionsUnavailable(t *testing.T) {
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Config: map[string]any{"webhook_secret": "test-secret", "sessions_unavailable": true},
	})
	require.NoError(t, err)

	_, err = adapter.CreateCheckoutSession(context.Background(), domain.SessionRequest{EntityRef: "ws_42"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
