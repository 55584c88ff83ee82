package main

import (
	"github.com/bwmarrin/snowflake"
	assignmentservice "github.com/planfolio/billing/internal/assignment/service"
	catalogservice "github.com/planfolio/billing/internal/catalog/service"
	checkoutservice "github.com/planfolio/billing/internal/checkout/service"
	"github.com/planfolio/billing/internal/clock"
	"github.com/planfolio/billing/internal/cloudmetrics"
	"github.com/planfolio/billing/internal/config"
	entityservice "github.com/planfolio/billing/internal/entity/service"
	eventservice "github.com/planfolio/billing/internal/event/service"
	idemservice "github.com/planfolio/billing/internal/idempotency/service"
	"github.com/planfolio/billing/internal/migration"
	"github.com/planfolio/billing/internal/observability"
	planchangeservice "github.com/planfolio/billing/internal/planchange/service"
	"github.com/planfolio/billing/internal/provider"
	"github.com/planfolio/billing/internal/ratelimit"
	"github.com/planfolio/billing/internal/scheduler"
	"github.com/planfolio/billing/internal/server"
	usageservice "github.com/planfolio/billing/internal/usage/service"
	"github.com/planfolio/billing/internal/webhook"
	"github.com/planfolio/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cloudmetrics.Module,

		// billing domains
		entityservice.Module,
		catalogservice.Module,
		assignmentservice.Module,
		planchangeservice.Module,
		eventservice.Module,
		usageservice.Module,
		idemservice.Module,
		provider.Module,
		checkoutservice.Module,
		webhook.Module,
		ratelimit.Module,

		// background work and transport
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
