package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/http/middlewares"
	"github.com/mkravets/eventsched/internal/repo/postgres"
)

// DefinitionsStore is the admin-facing slice of the document tier.
type DefinitionsStore interface {
	GetByID(ctx context.Context, id schedule.DefinitionID) (schedule.CronDefinition, error)
	List(ctx context.Context, status *string, limit, offset int) ([]schedule.CronDefinition, error)
	UpdateConfig(ctx context.Context, id schedule.DefinitionID, p postgres.DefinitionPatch) error
	SetOverrides(ctx context.Context, id schedule.DefinitionID, payload, cronExpr *string, status *schedule.DefinitionStatus) error
	Delete(ctx context.Context, id schedule.DefinitionID) error
	ListExecutions(ctx context.Context, id schedule.DefinitionID, limit int) ([]schedule.ExecutionRecord, error)
}

type DefinitionsHandler struct {
	engine *engine.Engine
	store  DefinitionsStore
}

func NewDefinitionsHandler(eng *engine.Engine, store DefinitionsStore) *DefinitionsHandler {
	return &DefinitionsHandler{engine: eng, store: store}
}

// Create goes through the engine so the cron expression and timezone are
// validated and the first fire time is computed.
func (h *DefinitionsHandler) Create(ctx *gin.Context) {
	var req engine.CronRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if req.CreatedBy == "" {
		if actorID, ok := middlewares.ActorIDFromGin(ctx); ok {
			req.CreatedBy = actorID
		}
	}

	def, err := h.engine.ScheduleCronDefinition(ctx.Request.Context(), req)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, def)
}

func (h *DefinitionsHandler) Get(ctx *gin.Context) {
	def, err := h.store.GetByID(ctx.Request.Context(), schedule.DefinitionID(ctx.Param("id")))
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, def)
}

func (h *DefinitionsHandler) List(ctx *gin.Context) {
	var status *string
	if s := ctx.Query("status"); s != "" {
		if !schedule.DefinitionStatus(s).IsValid() {
			RespondBadRequest(ctx, "unknown status "+s, nil)
			return
		}
		status = &s
	}

	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))

	defs, err := h.store.List(ctx.Request.Context(), status, limit, offset)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"definitions": defs, "count": len(defs)})
}

type updateDefinitionRequest struct {
	Description *string `json:"description"`
	Payload     *string `json:"payload"`
	CronExpr    *string `json:"cronExpr"`
	Timezone    *string `json:"timezone"`
	MaxRetries  *int    `json:"maxRetries" binding:"omitempty,gte=0,lte=20"`
	Status      *string `json:"status"`
}

// Update patches definition config. Bookkeeping fields are not reachable
// from here; the generator owns them.
func (h *DefinitionsHandler) Update(ctx *gin.Context) {
	id := schedule.DefinitionID(ctx.Param("id"))

	var req updateDefinitionRequest
	if !BindJSON(ctx, &req) {
		return
	}

	patch := postgres.DefinitionPatch{
		Description: req.Description,
		Payload:     req.Payload,
		Timezone:    req.Timezone,
		MaxRetries:  req.MaxRetries,
	}

	if req.CronExpr != nil {
		if _, err := schedule.ParseCron(*req.CronExpr); err != nil {
			RespondBadRequest(ctx, "invalid cron expression", nil)
			return
		}
		patch.CronExpr = req.CronExpr
	}
	if req.Status != nil {
		s := schedule.DefinitionStatus(*req.Status)
		if !s.IsValid() {
			RespondBadRequest(ctx, "unknown status "+*req.Status, nil)
			return
		}
		patch.Status = &s
	}

	if err := h.store.UpdateConfig(ctx.Request.Context(), id, patch); err != nil {
		respondEngineError(ctx, err)
		return
	}

	def, err := h.store.GetByID(ctx.Request.Context(), id)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, def)
}

type overridesRequest struct {
	Payload *string `json:"payload"`
	Cron    *string `json:"cron"`
	Status  *string `json:"status"`
}

// SetOverrides replaces the admin override layer. Nil fields clear their
// override; manifest re-sync never touches these.
func (h *DefinitionsHandler) SetOverrides(ctx *gin.Context) {
	id := schedule.DefinitionID(ctx.Param("id"))

	var req overridesRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if req.Cron != nil {
		if _, err := schedule.ParseCron(*req.Cron); err != nil {
			RespondBadRequest(ctx, "invalid cron expression", nil)
			return
		}
	}

	var status *schedule.DefinitionStatus
	if req.Status != nil {
		s := schedule.DefinitionStatus(*req.Status)
		if !s.IsValid() {
			RespondBadRequest(ctx, "unknown status "+*req.Status, nil)
			return
		}
		status = &s
	}

	if err := h.store.SetOverrides(ctx.Request.Context(), id, req.Payload, req.Cron, status); err != nil {
		respondEngineError(ctx, err)
		return
	}

	def, err := h.store.GetByID(ctx.Request.Context(), id)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, def)
}

func (h *DefinitionsHandler) Delete(ctx *gin.Context) {
	if err := h.store.Delete(ctx.Request.Context(), schedule.DefinitionID(ctx.Param("id"))); err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *DefinitionsHandler) Executions(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))

	recs, err := h.store.ListExecutions(ctx.Request.Context(), schedule.DefinitionID(ctx.Param("id")), limit)
	if err != nil {
		respondEngineError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"executions": recs, "count": len(recs)})
}
