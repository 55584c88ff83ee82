// Package webhook turns provider deliveries into ledger events and drains
// the ledger back into plan state. Intake only verifies and appends; every
// side effect happens later in the processor so a delivery is durable
// before it is acted on.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/planfolio/billing/internal/cache"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	"github.com/planfolio/billing/internal/provider"
	providerdomain "github.com/planfolio/billing/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type IntakeParam struct {
	fx.In

	Log      *zap.Logger
	Resolver *provider.Resolver
	Events   eventdomain.Service
	Entities entitydomain.Service
	Cache    cache.EntityResolverCache
}

// Intake verifies a raw delivery against its provider adapter and appends
// it to the billing event ledger exactly once.
type Intake struct {
	log      *zap.Logger
	resolver *provider.Resolver
	events   eventdomain.Service
	entities entitydomain.Service
	cache    cache.EntityResolverCache
}

func NewIntake(p IntakeParam) *Intake {
	return &Intake{
		log:      p.Log.Named("webhook.intake"),
		resolver: p.Resolver,
		events:   p.Events,
		entities: p.Entities,
		cache:    p.Cache,
	}
}

// Handle runs one delivery through verify, parse, entity resolution and
// ingest. Duplicates return the pre-existing event. Kinds the adapter does
// not track surface providerdomain.ErrEventIgnored so the HTTP layer can
// acknowledge without storing.
func (i *Intake) Handle(ctx context.Context, providerName string, body []byte, headers http.Header) (*eventdomain.BillingEvent, error) {
	adapter, err := i.resolver.Adapter(providerName)
	if err != nil {
		if errors.Is(err, providerdomain.ErrProviderNotFound) {
			return nil, fmt.Errorf("%w: %w", err, fault.ErrNotFound)
		}
		return nil, err
	}

	parsed, err := adapter.VerifyAndParseWebhook(ctx, body, headers)
	if err != nil {
		switch {
		case errors.Is(err, providerdomain.ErrEventIgnored):
			return nil, err
		case errors.Is(err, providerdomain.ErrInvalidSignature),
			errors.Is(err, providerdomain.ErrInvalidPayload):
			return nil, fmt.Errorf("%w: %w", err, fault.ErrValidation)
		default:
			return nil, err
		}
	}

	entity := i.resolveEntity(ctx, parsed.EntityRef)

	payload := map[string]any{
		"kind":       string(parsed.Kind),
		"entity_ref": parsed.EntityRef,
	}
	if len(parsed.Payload) > 0 {
		payload["data"] = parsed.Payload
	}

	name := strings.ToLower(strings.TrimSpace(providerName))
	req := eventdomain.IngestRequest{
		EventType:       eventdomain.TypeWebhook,
		Provider:        &name,
		ProviderEventID: &parsed.ProviderEventID,
		Payload:         payload,
		OccurredAt:      parsed.OccurredAt,
	}
	if entity != nil {
		id := entity.ID
		req.EntityID = &id
	}

	event, err := i.events.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	i.log.Debug("webhook ingested",
		zap.String("provider", name),
		zap.String("provider_event_id", parsed.ProviderEventID),
		zap.String("kind", string(parsed.Kind)),
		zap.Int64("event_id", event.ID.Int64()))
	return event, nil
}

// resolveEntity maps the provider's reference string to a billable entity.
// Refs that resolve to nothing still produce an event; the processor treats
// those as audit-only.
func (i *Intake) resolveEntity(ctx context.Context, ref string) *entitydomain.BillableEntity {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if cached, ok := i.cache.GetEntity(ref); ok {
		return cached
	}

	var entity *entitydomain.BillableEntity
	if id, err := snowflake.ParseString(ref); err == nil && id != 0 {
		entity, _ = i.entities.GetByID(ctx, id)
	}
	if entity == nil {
		found, err := i.entities.GetByExternalRef(ctx, ref)
		if err != nil && !fault.IsNotFound(err) {
			i.log.Warn("entity resolution failed", zap.String("entity_ref", ref), zap.Error(err))
			return nil
		}
		entity = found
	}
	if entity != nil {
		i.cache.SetEntity(ref, entity)
	}
	return entity
}

var Module = fx.Module("webhook",
	fx.Provide(
		cache.NewEntityResolverCache,
		NewIntake,
		NewProcessor,
	),
)
