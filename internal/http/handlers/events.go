package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/http/middlewares"
)

type EventsHandler struct {
	engine *engine.Engine
}

func NewEventsHandler(eng *engine.Engine) *EventsHandler {
	return &EventsHandler{engine: eng}
}

// Schedule accepts one event and places it in the right tier.
func (h *EventsHandler) Schedule(ctx *gin.Context) {
	var req engine.ScheduleRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if req.ActorID == "" {
		if actorID, ok := middlewares.ActorIDFromGin(ctx); ok {
			req.ActorID = actorID
			req.ActorType = "user"
		}
	}

	ref, err := h.engine.ScheduleEvent(ctx.Request.Context(), req)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, ref)
}

// Cancel removes a pending event. 409 means a dispatcher already claimed it.
func (h *EventsHandler) Cancel(ctx *gin.Context) {
	id := ctx.Param("id")

	tier, err := h.engine.CancelEvent(ctx.Request.Context(), id)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "tier": tier, "status": "cancelled"})
}

type replayRequest struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Replay resurrects a terminally failed columnar event.
func (h *EventsHandler) Replay(ctx *gin.Context) {
	id := ctx.Param("id")

	var req replayRequest
	if ctx.Request.ContentLength > 0 {
		if !BindJSON(ctx, &req) {
			return
		}
	}

	if err := h.engine.ReplayEvent(ctx.Request.Context(), id, req.ScheduledAt); err != nil {
		respondEngineError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"id": id, "status": "pending"})
}
