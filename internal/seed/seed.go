// Package seed bootstraps the catalog rows the engine assumes exist.
package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	"gorm.io/gorm"
)

const defaultFallbackPlanName = "Free"

// EnsureFallbackPlan seeds the free plan webhook processing drops
// entities onto when a provider subscription closes. A blank code
// disables the fallback and seeds nothing.
func EnsureFallbackPlan(db *gorm.DB, code string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing catalogdomain.Plan
		err := tx.Where("code = ?", code).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		name := defaultFallbackPlanName
		if slug.Make(name) != code {
			name = code
		}
		return tx.Create(&catalogdomain.Plan{
			ID:     node.Generate(),
			Code:   code,
			Name:   name,
			Active: true,
		}).Error
	})
}
