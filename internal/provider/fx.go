package provider

import (
	"github.com/planfolio/billing/internal/provider/adapters"
	"github.com/planfolio/billing/internal/provider/adapters/fake"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		fake.NewFactory(),
	)
}

var Module = fx.Module("provider",
	fx.Provide(
		newRegistry,
		NewResolver,
	),
)
