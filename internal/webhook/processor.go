package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/cloudmetrics"
	"github.com/planfolio/billing/internal/config"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/fault"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	providerdomain "github.com/planfolio/billing/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ProcessorParam struct {
	fx.In

	Log         *zap.Logger
	Events      eventdomain.Service
	Assignments assignmentdomain.Service
	Schedules   planchangedomain.Service
	Catalog     catalogdomain.Service
	Policy      *config.BillingPolicyHolder
	Clock       clock.Clock
	Cloud       *cloudmetrics.CloudMetrics `optional:"true"`
}

// Processor drains the billing event ledger: claim one event, apply its
// effect on plan state, mark it processed or failed. Handlers are
// idempotent so a retried event after a partial failure converges instead
// of double-applying.
type Processor struct {
	log         *zap.Logger
	events      eventdomain.Service
	assignments assignmentdomain.Service
	schedules   planchangedomain.Service
	catalog     catalogdomain.Service
	policy      *config.BillingPolicyHolder
	clock       clock.Clock
	cloud       *cloudmetrics.CloudMetrics
}

func NewProcessor(p ProcessorParam) *Processor {
	return &Processor{
		log:         p.Log.Named("webhook.processor"),
		events:      p.Events,
		assignments: p.Assignments,
		schedules:   p.Schedules,
		catalog:     p.Catalog,
		policy:      p.Policy,
		clock:       p.Clock,
		cloud:       p.Cloud,
	}
}

// ProcessOne claims and handles a single event. It reports whether an
// event was claimed; handler failures are recorded on the event and do not
// propagate, only claim or bookkeeping failures do.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	event, err := p.events.ClaimNext(ctx, eventdomain.ClaimFilter{})
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	if err := p.dispatch(ctx, event); err != nil {
		p.log.Warn("event handling failed",
			zap.Int64("event_id", event.ID.Int64()),
			zap.String("event_type", string(event.EventType)),
			zap.Int("attempt", event.AttemptCount),
			zap.Error(err))
		p.cloud.IncEngineError("process_event")
		if failErr := p.events.Fail(ctx, event.ID, err.Error()); failErr != nil {
			if errors.Is(failErr, fault.ErrTerminalProcessing) {
				// parked for manual remediation; the rest of the batch
				// keeps draining
				p.log.Error("billing event parked after final attempt",
					zap.Int64("event_id", event.ID.Int64()),
					zap.Error(failErr))
				return true, nil
			}
			return true, failErr
		}
		return true, nil
	}
	if err := p.events.Complete(ctx, event.ID); err != nil {
		return true, err
	}
	p.cloud.IncEventProcessed(string(event.EventType))
	return true, nil
}

// Drain processes up to max events and returns how many were handled.
func (p *Processor) Drain(ctx context.Context, max int) (int, error) {
	processed := 0
	for processed < max {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		claimed, err := p.ProcessOne(ctx)
		if err != nil {
			return processed, err
		}
		if !claimed {
			break
		}
		processed++
	}
	return processed, nil
}

func (p *Processor) dispatch(ctx context.Context, event *eventdomain.BillingEvent) error {
	switch event.EventType {
	case eventdomain.TypeWebhook:
		return p.handleWebhook(ctx, event)
	case eventdomain.TypePaymentMethodSync, eventdomain.TypePlanChange:
		// audit-only rows; the ledger entry is the effect
		return nil
	default:
		p.log.Warn("unknown event type, skipping", zap.String("event_type", string(event.EventType)))
		return nil
	}
}

func (p *Processor) handleWebhook(ctx context.Context, event *eventdomain.BillingEvent) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload == nil {
		// payload purged before processing; nothing left to act on
		return nil
	}

	kind, _ := payload["kind"].(string)
	switch providerdomain.WebhookKind(kind) {
	case providerdomain.KindSubscriptionClosed:
		return p.handleSubscriptionClosed(ctx, event)
	case providerdomain.KindPaymentMethodUpdated,
		providerdomain.KindPaymentSucceeded,
		providerdomain.KindPaymentFailed:
		return nil
	default:
		p.log.Warn("unhandled webhook kind, skipping",
			zap.Int64("event_id", event.ID.Int64()),
			zap.String("kind", kind))
		return nil
	}
}

// handleSubscriptionClosed ends the entity's paid period. A pending
// schedule is canceled since it assumed a subscription that no longer
// exists, and the entity drops to the fallback plan when one is
// configured. Each step tolerates having already happened on an earlier
// attempt.
func (p *Processor) handleSubscriptionClosed(ctx context.Context, event *eventdomain.BillingEvent) error {
	if event.EntityID == nil {
		p.log.Warn("subscription closed without a resolvable entity",
			zap.Int64("event_id", event.ID.Int64()))
		return nil
	}
	entityID := *event.EntityID

	pending, err := p.schedules.GetPending(ctx, entityID)
	if err != nil {
		return err
	}
	if pending != nil {
		err := p.schedules.Cancel(ctx, pending.ID, "webhook:subscription_closed")
		if err != nil && !fault.IsInvalidState(err) {
			return err
		}
	}

	current, err := p.assignments.GetCurrent(ctx, entityID)
	if err != nil {
		return err
	}

	fallback, err := p.fallbackPlan(ctx)
	if err != nil {
		return err
	}

	if fallback != nil {
		if current != nil && current.PlanID == fallback.ID {
			return nil
		}
		_, err := p.assignments.Assign(ctx, assignmentdomain.AssignRequest{
			EntityID:    entityID,
			PlanID:      fallback.ID,
			PeriodStart: p.effectiveAt(event, current),
		})
		return err
	}

	if current == nil {
		return nil
	}
	_, err = p.assignments.CloseCurrent(ctx, entityID, p.effectiveAt(event, current))
	if err != nil && errors.Is(err, assignmentdomain.ErrNoCurrent) {
		return nil
	}
	return err
}

func (p *Processor) fallbackPlan(ctx context.Context) (*catalogdomain.Plan, error) {
	code := p.policy.Get().FallbackPlanCode
	if code == "" {
		return nil, nil
	}
	plan, err := p.catalog.GetPlanByCode(ctx, code)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrPlanNotFound) {
			p.log.Warn("fallback plan missing from catalog", zap.String("plan_code", code))
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

// effectiveAt picks the close timestamp: the provider's occurrence time,
// pushed forward to now when it would not land inside the open period.
func (p *Processor) effectiveAt(event *eventdomain.BillingEvent, current *assignmentdomain.PlanAssignment) time.Time {
	at := event.OccurredAt
	if current != nil && !at.After(current.PeriodStartAt) {
		at = p.clock.Now()
	}
	return at
}
