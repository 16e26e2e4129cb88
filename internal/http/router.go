package http

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mkravets/eventsched/internal/auth"
	"github.com/mkravets/eventsched/internal/cache"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/http/handlers"
	"github.com/mkravets/eventsched/internal/http/middlewares"
	"github.com/mkravets/eventsched/internal/intake"
	"github.com/mkravets/eventsched/internal/observability"
)

// RouterDeps carries everything the HTTP surface needs. Admin routes are
// JWT-protected only when JWTSecret is set; dev runs open.
type RouterDeps struct {
	Log    *slog.Logger
	Engine *engine.Engine
	Prom   *observability.Prom

	Definitions handlers.DefinitionsStore
	Delayed     handlers.DelayedStore
	Hot         handlers.HotReader
	Analytics   handlers.AnalyticsReader

	// Intake, when set, exposes the delayed-topic bridge endpoint.
	Intake *intake.Consumer

	PingDB func() error
	PingKV func() error

	JWTSecret    string
	BreakerState func() string

	PromRegistry *prometheus.Registry
}

func NewRouter(deps RouterDeps) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware
	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger(deps.Log))
	r.Use(otelgin.Middleware("eventsched"))
	if deps.Prom != nil {
		r.Use(deps.Prom.GinHandleMiddleware())
	}

	// health + metrics
	h := handlers.NewHealthHandler(deps.PingDB, deps.PingKV)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	if deps.PromRegistry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.PromRegistry, promhttp.HandlerOpts{})))
	}

	eventsHandler := handlers.NewEventsHandler(deps.Engine)
	definitionsHandler := handlers.NewDefinitionsHandler(deps.Engine, deps.Definitions)
	delayedHandler := handlers.NewDelayedHandler(deps.Engine, deps.Delayed)
	monitoringHandler := handlers.NewMonitoringHandler(deps.Engine, deps.Analytics, cache.New(5*time.Second), deps.BreakerState)

	v1 := r.Group("/v1")

	// scheduling surface
	v1.POST("/events", eventsHandler.Schedule)
	v1.DELETE("/events/:id", eventsHandler.Cancel)
	v1.POST("/events/:id/replay", eventsHandler.Replay)

	if deps.Intake != nil {
		intakeHandler := handlers.NewIntakeHandler(deps.Intake)
		v1.POST("/intake/delayed", intakeHandler.Delayed)
	}

	// admin surface
	admin := v1.Group("")
	if deps.JWTSecret != "" {
		authMW := middlewares.NewAuthMiddleware(auth.NewManager(deps.JWTSecret))
		admin.Use(authMW.RequireAuth())
	}

	admin.POST("/definitions", definitionsHandler.Create)
	admin.GET("/definitions", definitionsHandler.List)
	admin.GET("/definitions/:id", definitionsHandler.Get)
	admin.PATCH("/definitions/:id", definitionsHandler.Update)
	admin.PUT("/definitions/:id/overrides", definitionsHandler.SetOverrides)
	admin.DELETE("/definitions/:id", definitionsHandler.Delete)
	admin.GET("/definitions/:id/executions", definitionsHandler.Executions)

	admin.GET("/delayed", delayedHandler.List)
	admin.GET("/delayed/counts", delayedHandler.Counts)
	admin.GET("/delayed/:id", delayedHandler.Get)
	admin.POST("/delayed/:id/promote", delayedHandler.Promote)

	if deps.Hot != nil {
		hotHandler := handlers.NewHotHandler(deps.Hot)
		admin.GET("/hot/due", hotHandler.Due)
		admin.GET("/hot/:id", hotHandler.Get)
		admin.DELETE("/hot/:id", hotHandler.Delete)
	}

	admin.GET("/scheduler/status", monitoringHandler.Status)
	admin.GET("/scheduler/analytics", monitoringHandler.Analytics)
	admin.GET("/scheduler/analytics/summary", monitoringHandler.AnalyticsSummary)
	admin.POST("/scheduler/workers/:worker/tick", monitoringHandler.TriggerWorker)

	return r
}
