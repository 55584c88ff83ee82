package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lib/pq"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	"github.com/planfolio/billing/internal/fault"
	"github.com/planfolio/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
	}
}

func (s *Service) CreatePlan(ctx context.Context, req catalogdomain.CreatePlanRequest) (*catalogdomain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: %w", catalogdomain.ErrInvalidName, fault.ErrValidation)
	}

	record := &catalogdomain.Plan{
		ID:     s.genID.Generate(),
		Code:   slug.Make(name),
		Name:   name,
		Active: true,
	}
	if req.Description != nil {
		record.Description = req.Description
	}
	if len(req.EntitlementCodes) > 0 {
		record.EntitlementCodes = pq.StringArray(req.EntitlementCodes)
	}

	if req.CheckoutPrice != nil {
		price := *req.CheckoutPrice
		if err := validatePrice(price); err != nil {
			return nil, err
		}
		key := priceKey(price.Provider, price.ProviderPriceID)
		record.Provider = &price.Provider
		record.ProviderPriceID = &price.ProviderPriceID
		record.PriceKey = &key
		record.Interval = &price.Interval
		record.IntervalCount = &price.IntervalCount
		record.Currency = &price.Currency
		record.UnitAmount = &price.UnitAmount
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrDuplicatePrice, fault.ErrConflict)
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) CreateProduct(ctx context.Context, req catalogdomain.CreateProductRequest) (*catalogdomain.Product, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: %w", catalogdomain.ErrInvalidName, fault.ErrValidation)
	}

	record := &catalogdomain.Product{
		ID:     s.genID.Generate(),
		Code:   slug.Make(name),
		Name:   name,
		Active: true,
	}
	if req.CheckoutPrice != nil {
		price := *req.CheckoutPrice
		if strings.TrimSpace(price.Provider) == "" || strings.TrimSpace(price.ProviderPriceID) == "" {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrInvalidPrice, fault.ErrValidation)
		}
		key := priceKey(price.Provider, price.ProviderPriceID)
		record.Provider = &price.Provider
		record.ProviderPriceID = &price.ProviderPriceID
		record.PriceKey = &key
		record.Currency = &price.Currency
		record.UnitAmount = &price.UnitAmount
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrDuplicatePrice, fault.ErrConflict)
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*catalogdomain.Plan, error) {
	var record catalogdomain.Plan
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrPlanNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) GetPlanByCode(ctx context.Context, code string) (*catalogdomain.Plan, error) {
	code = strings.TrimSpace(code)
	var record catalogdomain.Plan
	err := s.db.WithContext(ctx).First(&record, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrPlanNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]catalogdomain.Plan, error) {
	stmt := s.db.WithContext(ctx).Order("code ASC")
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	var records []catalogdomain.Plan
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) GetProduct(ctx context.Context, id snowflake.ID) (*catalogdomain.Product, error) {
	var record catalogdomain.Product
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %w", catalogdomain.ErrProductNotFound, fault.ErrNotFound)
		}
		return nil, err
	}
	return &record, nil
}

func validatePrice(price catalogdomain.CheckoutPriceRequest) error {
	if strings.TrimSpace(price.Provider) == "" ||
		strings.TrimSpace(price.ProviderPriceID) == "" ||
		strings.TrimSpace(price.Currency) == "" ||
		price.UnitAmount <= 0 {
		return fmt.Errorf("%w: %w", catalogdomain.ErrInvalidPrice, fault.ErrValidation)
	}
	if !catalogdomain.ValidInterval(price.Interval) || price.IntervalCount < 1 {
		return fmt.Errorf("%w: %w", catalogdomain.ErrInvalidInterval, fault.ErrValidation)
	}
	return nil
}

func priceKey(provider, providerPriceID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.TrimSpace(providerPriceID)
}

var Module = fx.Module("catalog",
	fx.Provide(NewService),
)
