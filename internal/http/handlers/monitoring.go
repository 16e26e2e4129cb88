package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/cache"
	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/repo/postgres"
)

// AnalyticsReader is the read side of the analytics store.
type AnalyticsReader interface {
	ListRecent(ctx context.Context, limit int) ([]event.AnalyticsRow, error)
	ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]event.AnalyticsRow, error)
	Summarize(ctx context.Context, since time.Time) (postgres.AnalyticsSummary, error)
}

type MonitoringHandler struct {
	engine    *engine.Engine
	analytics AnalyticsReader
	cache     *cache.Cache

	// nil when the bus has no breaker in front of it (tests, log publisher)
	breakerState func() string
}

func NewMonitoringHandler(eng *engine.Engine, analytics AnalyticsReader, statusCache *cache.Cache, breakerState func() string) *MonitoringHandler {
	if statusCache == nil {
		statusCache = cache.New(5 * time.Second)
	}
	return &MonitoringHandler{
		engine:       eng,
		analytics:    analytics,
		cache:        statusCache,
		breakerState: breakerState,
	}
}

const statusCacheKey = "scheduler_status"

// Status is the operational snapshot. Cached for a few seconds: dashboards
// poll it and the counts behind it hit every store.
func (h *MonitoringHandler) Status(ctx *gin.Context) {
	if cached, ok := h.cache.Get(statusCacheKey); ok {
		ctx.JSON(http.StatusOK, cached)
		return
	}

	st, err := h.engine.Status(ctx.Request.Context())
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	payload := gin.H{"status": st}
	if h.breakerState != nil {
		payload["busBreaker"] = h.breakerState()
	}

	h.cache.Set(statusCacheKey, payload)
	ctx.JSON(http.StatusOK, payload)
}

func (h *MonitoringHandler) Analytics(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "100"))

	var rows []event.AnalyticsRow
	var err error
	if scheduleID := ctx.Query("scheduleId"); scheduleID != "" {
		rows, err = h.analytics.ListBySchedule(ctx.Request.Context(), scheduleID, limit)
	} else {
		rows, err = h.analytics.ListRecent(ctx.Request.Context(), limit)
	}
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (h *MonitoringHandler) AnalyticsSummary(ctx *gin.Context) {
	window := 24 * time.Hour
	if raw := ctx.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			RespondBadRequest(ctx, "invalid window", nil)
			return
		}
		window = d
	}

	summary, err := h.analytics.Summarize(ctx.Request.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"window": window.String(), "summary": summary})
}

// TriggerWorker runs one tick of the named worker synchronously, for
// operators who do not want to wait out the interval.
func (h *MonitoringHandler) TriggerWorker(ctx *gin.Context) {
	worker := ctx.Param("worker")

	n, err := h.engine.RunTickNow(ctx.Request.Context(), worker)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	h.cache.Delete(statusCacheKey)
	ctx.JSON(http.StatusOK, gin.H{"worker": worker, "items": n})
}
