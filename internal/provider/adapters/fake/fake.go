// Package fake is an in-process provider adapter. It speaks a minimal
// JSON webhook dialect with HMAC signatures and mints deterministic
// session URLs, which is enough to exercise the full billing pipeline in
// development and tests.
package fake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/planfolio/billing/internal/provider/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw payload.
const SignatureHeader = "X-Billing-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "fake"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret, _ := cfg.Config["webhook_secret"].(string)
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	unavailable, _ := cfg.Config["sessions_unavailable"].(bool)
	return &Adapter{
		webhookSecret:       secret,
		sessionsUnavailable: unavailable,
	}, nil
}

// Adapter is shared by concurrent handlers; sessionSeq is atomic.
type Adapter struct {
	webhookSecret       string
	sessionsUnavailable bool
	sessionSeq          atomic.Int64
}

type fakeEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityRef  string         `json:"entity_ref"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

func (a *Adapter) VerifyAndParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.ParsedWebhook, error) {
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return nil, domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(a.webhookSecret, payload))) {
		return nil, domain.ErrInvalidSignature
	}

	var event fakeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	kind, ok := kindFromType(event.Type)
	if !ok {
		return nil, domain.ErrEventIgnored
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &domain.ParsedWebhook{
		ProviderEventID: strings.TrimSpace(event.ID),
		Kind:            kind,
		EntityRef:       strings.TrimSpace(event.EntityRef),
		OccurredAt:      occurredAt,
		Payload:         event.Data,
	}, nil
}

func kindFromType(eventType string) (domain.WebhookKind, bool) {
	switch strings.TrimSpace(eventType) {
	case "subscription.closed":
		return domain.KindSubscriptionClosed, true
	case "payment_method.updated":
		return domain.KindPaymentMethodUpdated, true
	case "payment.succeeded":
		return domain.KindPaymentSucceeded, true
	case "payment.failed":
		return domain.KindPaymentFailed, true
	default:
		return "", false
	}
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	return a.session("checkout", req)
}

func (a *Adapter) CreatePortalSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	return a.session("portal", req)
}

func (a *Adapter) CreatePaymentLink(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	return a.session("link", req)
}

func (a *Adapter) session(kind string, req domain.SessionRequest) (*domain.Session, error) {
	if a.sessionsUnavailable {
		return nil, domain.ErrUnavailable
	}
	if strings.TrimSpace(req.EntityRef) == "" {
		return nil, domain.ErrInvalidConfig
	}
	seq := a.sessionSeq.Add(1)
	sessionID := fmt.Sprintf("fake_%s_%s_%d", kind, req.EntityRef, seq)
	return &domain.Session{
		SessionID: sessionID,
		URL:       "https://fake.billing.local/" + kind + "/" + sessionID,
		ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
	}, nil
}

// Sign computes the webhook signature for a payload. Tests and the dev
// event generator use it to produce valid deliveries.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
