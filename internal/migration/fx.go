package migration

import (
	"github.com/planfolio/billing/internal/config"
	"github.com/planfolio/billing/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, policy *config.BillingPolicyHolder) error {
		if err := Run(conn, cfg.DBType); err != nil {
			return err
		}

		return seed.EnsureFallbackPlan(conn, policy.Get().FallbackPlanCode)
	}),
)
