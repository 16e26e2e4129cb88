package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/faults"
)

// respondEngineError maps engine and store errors onto the API envelope.
func respondEngineError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, event.ErrNotFound), errors.Is(err, schedule.ErrNotFound):
		RespondNotFound(ctx, "not found")
		return
	case errors.Is(err, event.ErrConflict):
		RespondConflict(ctx, "conflict", "event is already being processed")
		return
	case errors.Is(err, schedule.ErrDuplicateName):
		RespondConflict(ctx, "duplicate_name", "a definition with this name already exists")
		return
	}

	var fe *faults.Error
	if errors.As(err, &fe) && fe.Kind == faults.KindValidation {
		var verrs validator.ValidationErrors
		if errors.As(fe.Err, &verrs) {
			RespondBadRequest(ctx, "Validation failed", gin.H{"fields": FieldErrors(verrs)})
			return
		}
		RespondBadRequest(ctx, fe.Err.Error(), nil)
		return
	}

	RespondInternal(ctx, "internal error")
}
