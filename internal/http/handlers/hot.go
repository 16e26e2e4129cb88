package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// HotReader is the admin-facing slice of the key-value tier.
type HotReader interface {
	Get(ctx context.Context, id event.HotEventID) (event.HotEvent, error)
	DueIDs(ctx context.Context, now time.Time, limit int) ([]event.HotEventID, error)
	Delete(ctx context.Context, id event.HotEventID) error
}

type HotHandler struct {
	store HotReader
}

func NewHotHandler(store HotReader) *HotHandler {
	return &HotHandler{store: store}
}

// Due lists events whose fire time falls within the look-ahead window.
// Records whose value key expired or went corrupt are reported by id only.
func (h *HotHandler) Due(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "100"))

	until := time.Now().UTC()
	if raw := ctx.Query("until"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			RespondBadRequest(ctx, "invalid until window", nil)
			return
		}
		until = until.Add(d)
	}

	ids, err := h.store.DueIDs(ctx.Request.Context(), until, limit)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	events := make([]event.HotEvent, 0, len(ids))
	var dangling []string
	for _, id := range ids {
		he, getErr := h.store.Get(ctx.Request.Context(), id)
		if getErr != nil {
			if errors.Is(getErr, redisq.ErrNotFound) || errors.Is(getErr, event.ErrCorruptHotEvent) {
				dangling = append(dangling, string(id))
				continue
			}
			respondEngineError(ctx, getErr)
			return
		}
		events = append(events, he)
	}

	resp := gin.H{"events": events, "count": len(events)}
	if len(dangling) > 0 {
		resp["dangling"] = dangling
	}
	ctx.JSON(http.StatusOK, resp)
}

func (h *HotHandler) Get(ctx *gin.Context) {
	he, err := h.store.Get(ctx.Request.Context(), event.HotEventID(ctx.Param("id")))
	if err != nil {
		if errors.Is(err, redisq.ErrNotFound) {
			RespondNotFound(ctx, "not found")
			return
		}
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, he)
}

// Delete removes the value key and index entry outright, bypassing the
// cancel flow. Last-resort tooling for wedged records.
func (h *HotHandler) Delete(ctx *gin.Context) {
	if err := h.store.Delete(ctx.Request.Context(), event.HotEventID(ctx.Param("id"))); err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}
