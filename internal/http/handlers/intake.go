package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/bus"
	"github.com/mkravets/eventsched/internal/intake"
)

// IntakeHandler bridges the delayed-topic intake over HTTP for deployments
// without a broker sidecar. The body mirrors the bus message shape; routing
// lives in the headers map, the value is re-published verbatim at delivery
// time.
type IntakeHandler struct {
	consumer *intake.Consumer
}

func NewIntakeHandler(consumer *intake.Consumer) *IntakeHandler {
	return &IntakeHandler{consumer: consumer}
}

type intakeRequest struct {
	Topic   string            `json:"topic"`
	Value   string            `json:"value" binding:"required"`
	Headers map[string]string `json:"headers" binding:"required"`
}

func (h *IntakeHandler) Delayed(ctx *gin.Context) {
	var req intakeRequest
	if !BindJSON(ctx, &req) {
		return
	}
	if req.Topic == "" {
		req.Topic = "scheduler.delayed"
	}

	err := h.consumer.Handle(ctx.Request.Context(), bus.InboundMessage{
		Topic:   req.Topic,
		Value:   []byte(req.Value),
		Headers: req.Headers,
	})
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
