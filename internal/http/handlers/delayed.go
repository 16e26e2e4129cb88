package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/utils"
)

// DelayedStore is the admin-facing slice of the columnar tier.
type DelayedStore interface {
	Get(ctx context.Context, id event.EventID) (event.DelayedEvent, error)
	ListCursor(ctx context.Context, status *string, limit int, beforeUpdated time.Time, beforeID string) ([]event.DelayedEvent, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type DelayedHandler struct {
	engine *engine.Engine
	store  DelayedStore
}

func NewDelayedHandler(eng *engine.Engine, store DelayedStore) *DelayedHandler {
	return &DelayedHandler{engine: eng, store: store}
}

func (h *DelayedHandler) Get(ctx *gin.Context) {
	de, err := h.store.Get(ctx.Request.Context(), event.EventID(ctx.Param("id")))
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, de)
}

// List pages delayed events newest-first with an opaque keyset cursor.
func (h *DelayedHandler) List(ctx *gin.Context) {
	var status *string
	if s := ctx.Query("status"); s != "" {
		status = &s
	}

	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "100"))

	var beforeUpdated time.Time
	var beforeID string
	if raw := ctx.Query("cursor"); raw != "" {
		c, err := utils.DecodeEventCursor(raw)
		if err != nil {
			RespondBadRequest(ctx, "invalid cursor", nil)
			return
		}
		beforeUpdated = c.UpdatedAt
		beforeID = c.ID
	}

	events, err := h.store.ListCursor(ctx.Request.Context(), status, limit, beforeUpdated, beforeID)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	resp := gin.H{"events": events, "count": len(events)}
	if len(events) == limit && limit > 0 {
		last := events[len(events)-1]
		next, encErr := utils.EncodeEventCursor(last.UpdatedAt, string(last.ID))
		if encErr == nil {
			resp["nextCursor"] = next
		}
	}
	ctx.JSON(http.StatusOK, resp)
}

// Promote force-moves one pending event into the hot tier ahead of its
// horizon window.
func (h *DelayedHandler) Promote(ctx *gin.Context) {
	hotKey, err := h.engine.PromoteEvent(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "promoted", "hotKey": hotKey})
}

func (h *DelayedHandler) Counts(ctx *gin.Context) {
	counts, err := h.store.CountByStatus(ctx.Request.Context())
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"counts": counts})
}
