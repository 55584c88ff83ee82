package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	checkoutdomain "github.com/planfolio/billing/internal/checkout/domain"
	"github.com/planfolio/billing/internal/config"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	"github.com/planfolio/billing/internal/fault"
	idemdomain "github.com/planfolio/billing/internal/idempotency/domain"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	"github.com/planfolio/billing/internal/provider"
	providerdomain "github.com/planfolio/billing/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Catalog  catalogdomain.Service
	Entities entitydomain.Service
	Guard    idemdomain.Service
	Resolver *provider.Resolver
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	cfg      config.Config
	catalog  catalogdomain.Service
	entities entitydomain.Service
	guard    idemdomain.Service
	resolver *provider.Resolver
	metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) checkoutdomain.Service {
	return &Service{
		log:      p.Log.Named("checkout.service"),
		cfg:      p.Config,
		catalog:  p.Catalog,
		entities: p.Entities,
		guard:    p.Guard,
		resolver: p.Resolver,
		metrics:  p.Metrics,
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, req checkoutdomain.CheckoutRequest) (*checkoutdomain.SessionResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: %w", checkoutdomain.ErrMissingIdempotencyKey, fault.ErrValidation)
	}

	entity, err := s.entities.GetByID(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Free() {
		return nil, fmt.Errorf("%w: %w", checkoutdomain.ErrPlanNotCheckoutable, fault.ErrValidation)
	}

	providerName := *plan.Provider
	adapter, err := s.resolver.Adapter(providerName)
	if err != nil {
		return nil, err
	}

	sessionReq := providerdomain.SessionRequest{
		EntityRef:       entityRef(entity),
		ProviderPriceID: *plan.ProviderPriceID,
		SuccessURL:      strings.TrimSpace(req.SuccessURL),
		CancelURL:       strings.TrimSpace(req.CancelURL),
		Currency:        deref(plan.Currency),
		UnitAmount:      derefInt(plan.UnitAmount),
	}

	result, err := s.runGuarded(ctx, idemdomain.ActionCheckout, key, func(ctx context.Context) (*providerdomain.Session, error) {
		return adapter.CreateCheckoutSession(ctx, sessionReq)
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.count(func(m *obsmetrics.Metrics) { m.IncCheckoutStarted(providerName) })
	}
	return result, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, req checkoutdomain.PortalRequest) (*checkoutdomain.SessionResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: %w", checkoutdomain.ErrMissingIdempotencyKey, fault.ErrValidation)
	}

	entity, err := s.entities.GetByID(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.resolver.Adapter(s.cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}

	sessionReq := providerdomain.SessionRequest{
		EntityRef:  entityRef(entity),
		SuccessURL: strings.TrimSpace(req.ReturnURL),
	}
	return s.runGuarded(ctx, idemdomain.ActionPortal, key, func(ctx context.Context) (*providerdomain.Session, error) {
		return adapter.CreatePortalSession(ctx, sessionReq)
	})
}

func (s *Service) CreatePaymentLink(ctx context.Context, req checkoutdomain.PaymentLinkRequest) (*checkoutdomain.SessionResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: %w", checkoutdomain.ErrMissingIdempotencyKey, fault.ErrValidation)
	}

	entity, err := s.entities.GetByID(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.PriceKey == nil {
		return nil, fmt.Errorf("%w: %w", checkoutdomain.ErrProductNotPurchasable, fault.ErrValidation)
	}

	adapter, err := s.resolver.Adapter(*product.Provider)
	if err != nil {
		return nil, err
	}

	sessionReq := providerdomain.SessionRequest{
		EntityRef:       entityRef(entity),
		ProviderPriceID: *product.ProviderPriceID,
		Currency:        deref(product.Currency),
		UnitAmount:      derefInt(product.UnitAmount),
	}
	return s.runGuarded(ctx, idemdomain.ActionPaymentLink, key, func(ctx context.Context) (*providerdomain.Session, error) {
		return adapter.CreatePaymentLink(ctx, sessionReq)
	})
}

// runGuarded executes the provider call under the idempotency guard and
// maps provider outages to the transient fault class.
func (s *Service) runGuarded(ctx context.Context, action idemdomain.Action, key string, call func(ctx context.Context) (*providerdomain.Session, error)) (*checkoutdomain.SessionResult, error) {
	outcome, err := s.guard.Do(ctx, action, key, func(ctx context.Context) (datatypes.JSON, error) {
		session, err := call(ctx)
		if err != nil {
			if errors.Is(err, providerdomain.ErrUnavailable) {
				return nil, fmt.Errorf("%s: %w", action, fault.ErrTransientProvider)
			}
			return nil, err
		}
		raw, err := json.Marshal(checkoutdomain.SessionResult{
			SessionID: session.SessionID,
			URL:       session.URL,
			ExpiresAt: session.ExpiresAt,
		})
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(raw), nil
	})
	if err != nil {
		return nil, err
	}

	var result checkoutdomain.SessionResult
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		return nil, err
	}
	result.Replayed = outcome.Replayed
	return &result, nil
}

func entityRef(entity *entitydomain.BillableEntity) string {
	if entity.ExternalRef != nil && strings.TrimSpace(*entity.ExternalRef) != "" {
		return strings.TrimSpace(*entity.ExternalRef)
	}
	return strconv.FormatInt(entity.ID.Int64(), 10)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func (s *Service) count(fn func(m *obsmetrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

var Module = fx.Module("checkout",
	fx.Provide(NewService),
)
