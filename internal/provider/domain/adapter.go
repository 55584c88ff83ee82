// Package domain defines the boundary between the billing engine and
// external payment providers. Adapters normalize provider webhooks and
// open outbound sessions; everything behind this interface is replaceable.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// WebhookKind is the normalized meaning of a provider webhook.
type WebhookKind string

const (
	KindSubscriptionClosed   WebhookKind = "subscription_closed"
	KindPaymentMethodUpdated WebhookKind = "payment_method_updated"
	KindPaymentSucceeded     WebhookKind = "payment_succeeded"
	KindPaymentFailed        WebhookKind = "payment_failed"
)

// ParsedWebhook is a provider event after signature verification and
// normalization. ProviderEventID feeds the ledger dedupe key.
type ParsedWebhook struct {
	ProviderEventID string
	Kind            WebhookKind
	EntityRef       string
	OccurredAt      time.Time
	Payload         map[string]any
}

// SessionRequest describes an outbound checkout, portal, or payment-link
// request.
type SessionRequest struct {
	EntityRef       string
	ProviderPriceID string
	SuccessURL      string
	CancelURL       string
	Currency        string
	UnitAmount      int64
}

// Session is what the provider handed back.
type Session struct {
	SessionID string
	URL       string
	ExpiresAt time.Time
}

// Adapter is one provider integration.
type Adapter interface {
	// VerifyAndParseWebhook authenticates a raw delivery and normalizes
	// it. Unparseable or unauthenticated deliveries fail loudly;
	// recognized-but-irrelevant events return ErrEventIgnored.
	VerifyAndParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*ParsedWebhook, error)

	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	CreatePortalSession(ctx context.Context, req SessionRequest) (*Session, error)
	CreatePaymentLink(ctx context.Context, req SessionRequest) (*Session, error)
}

// AdapterConfig carries provider credentials and knobs.
type AdapterConfig struct {
	Config map[string]any
}

// AdapterFactory builds adapters for one provider name.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrInvalidPayload   = errors.New("invalid_webhook_payload")
	ErrEventIgnored     = errors.New("webhook_event_ignored")
	ErrUnavailable      = errors.New("provider_unavailable")
)
