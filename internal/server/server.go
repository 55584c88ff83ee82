// Package server is the thin REST surface over the billing services. It
// owns transport concerns only: binding, status mapping, rate limiting on
// the webhook intake, and the observability middleware stack.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	checkoutdomain "github.com/planfolio/billing/internal/checkout/domain"
	"github.com/planfolio/billing/internal/config"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	"github.com/planfolio/billing/internal/observability"
	obslogger "github.com/planfolio/billing/internal/observability/logger"
	obsmetrics "github.com/planfolio/billing/internal/observability/metrics"
	obstracing "github.com/planfolio/billing/internal/observability/tracing"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	"github.com/planfolio/billing/internal/ratelimit"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	"github.com/planfolio/billing/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewHandlers),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type HandlersParam struct {
	fx.In

	Log         *zap.Logger
	Entities    entitydomain.Service
	Catalog     catalogdomain.Service
	Assignments assignmentdomain.Service
	Schedules   planchangedomain.Service
	Events      eventdomain.Service
	Usage       usagedomain.Service
	Checkout    checkoutdomain.Service
	Intake      *webhook.Intake
	Limiter     *ratelimit.WebhookLimiter
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

// Handlers bundles every route handler with its service dependencies.
type Handlers struct {
	log         *zap.Logger
	entities    entitydomain.Service
	catalog     catalogdomain.Service
	assignments assignmentdomain.Service
	schedules   planchangedomain.Service
	events      eventdomain.Service
	usage       usagedomain.Service
	checkout    checkoutdomain.Service
	intake      *webhook.Intake
	limiter     *ratelimit.WebhookLimiter
	metrics     *obsmetrics.Metrics
}

func NewHandlers(p HandlersParam) *Handlers {
	return &Handlers{
		log:         p.Log.Named("server"),
		entities:    p.Entities,
		catalog:     p.Catalog,
		assignments: p.Assignments,
		schedules:   p.Schedules,
		events:      p.Events,
		usage:       p.Usage,
		checkout:    p.Checkout,
		intake:      p.Intake,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
	}
}

func RegisterRoutes(r *gin.Engine, h *Handlers) {
	r.POST("/webhooks/:provider", h.WebhookIntake)

	v1 := r.Group("/v1")
	{
		v1.POST("/entities", h.EnsureEntity)
		v1.GET("/entities/:id", h.GetEntity)

		v1.POST("/plans", h.CreatePlan)
		v1.GET("/plans", h.ListPlans)
		v1.GET("/plans/:id", h.GetPlan)
		v1.POST("/products", h.CreateProduct)

		v1.POST("/entities/:id/assignments", h.Assign)
		v1.GET("/entities/:id/assignments/current", h.GetCurrentAssignment)
		v1.GET("/entities/:id/assignments", h.AssignmentHistory)

		v1.POST("/entities/:id/schedules", h.ScheduleChange)
		v1.GET("/entities/:id/schedules/pending", h.GetPendingSchedule)
		v1.DELETE("/schedules/:id", h.CancelSchedule)

		v1.POST("/usage", h.RecordUsage)
		v1.GET("/entities/:id/usage", h.GetUsage)

		v1.POST("/checkout/sessions", h.CreateCheckoutSession)
		v1.POST("/portal/sessions", h.CreatePortalSession)
		v1.POST("/payment-links", h.CreatePaymentLink)

		v1.GET("/events", h.ListEvents)
		v1.GET("/events/:id", h.GetEvent)
		v1.GET("/events/failed", h.ListFailedEvents)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
