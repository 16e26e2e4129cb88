package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
)

// cronTick fires every due definition once. The next fire time is computed
// strictly after now, never after the missed slot, so a long outage produces
// exactly one firing per definition instead of a catch-up storm.
func (e *Engine) cronTick(ctx context.Context) (int, error) {
	now := e.now()

	due, err := e.defs.FindDue(ctx, now, e.cfg.CronBatch)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, def := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if e.fireDefinition(ctx, def, now) {
			fired++
		}
	}
	return fired, nil
}

func (e *Engine) fireDefinition(ctx context.Context, def schedule.CronDefinition, now time.Time) bool {
	start := time.Now()
	fireTime := now
	if def.NextFireAt != nil {
		fireTime = *def.NextFireAt
	}

	next, err := schedule.NextFire(def.EffectiveCron(), def.Timezone, now)
	if err != nil {
		// unparseable after an edit: take it out of rotation instead of
		// erroring every tick
		if derr := e.defs.Disable(ctx, def.ID, "cron parse failed: "+err.Error()); derr != nil {
			e.log.Error("disable definition failed", "definition", def.ID, "error", derr)
		}
		e.log.Warn("definition disabled", "definition", def.ID, "name", def.Name, "error", err)
		e.countCronFiring("disabled")
		e.appendExecution(ctx, def, fireTime, schedule.OutcomeSkipped, "", err.Error(), start)
		return false
	}

	// the event fires immediately; fireTime is the slot being honored and
	// only bookkeeping and the execution record keep it
	maxRetries := def.MaxRetries
	ref, err := e.scheduleInternal(ctx, ScheduleRequest{
		Topic:           def.EntityType,
		EntityType:      def.EntityType,
		Action:          def.Action,
		EntityID:        def.EntityID,
		Payload:         def.EffectivePayload(),
		ActorType:       def.ActorType,
		ActorID:         def.ActorID,
		Headers:         def.Headers,
		ScheduledAt:     now,
		MaxRetries:      &maxRetries,
		CorrelationID:   uuid.NewString(),
		Source:          event.SourceCron,
		SourceID:        string(def.ID),
		MaxDelaySeconds: e.cfg.MaxDelaySeconds,
	}, now)
	if err != nil {
		// bookkeeping is not advanced: the same slot is retried next tick
		e.log.Error("cron firing failed", "definition", def.ID, "name", def.Name, "error", err)
		e.countCronFiring("error")
		e.appendExecution(ctx, def, fireTime, schedule.OutcomeFailure, "", err.Error(), start)
		return false
	}

	if err := e.defs.AdvanceBookkeeping(ctx, def.ID, fireTime, &next, ""); err != nil {
		e.log.Error("advance bookkeeping failed", "definition", def.ID, "error", err)
	}

	e.countCronFiring("fired")
	e.appendExecution(ctx, def, fireTime, schedule.OutcomeSuccess, ref.ID, "", start)
	e.log.Info("cron fired",
		"definition", def.ID,
		"name", def.Name,
		"event", ref.ID,
		"tier", ref.Tier,
		"next_fire", next,
	)
	return true
}

func (e *Engine) countCronFiring(outcome string) {
	if e.prom != nil {
		e.prom.CronFirings.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) appendExecution(ctx context.Context, def schedule.CronDefinition, fireTime time.Time, outcome schedule.ExecutionOutcome, eventID, errMsg string, start time.Time) {
	rec := schedule.ExecutionRecord{
		DefinitionID: def.ID,
		Name:         def.Name,
		FireTime:     fireTime,
		Outcome:      outcome,
		EventID:      eventID,
		DurationMS:   time.Since(start).Milliseconds(),
		Error:        errMsg,
		NodeID:       e.nodeID,
	}
	if err := e.defs.AppendExecution(ctx, rec); err != nil {
		e.log.Error("append execution failed", "definition", def.ID, "error", err)
	}
}
