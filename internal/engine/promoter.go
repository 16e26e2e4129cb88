package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
)

// promoteTick moves columnar rows whose fire time entered the promotion
// horizon into the hot tier. The columnar CAS happens first: whichever
// promoter flips pending -> promoted owns the write to the hot tier, and a
// crash between the two is healed by the janitor's stuck-promoted sweep.
// A row failure never aborts the batch; a tick where nothing could be
// written backs off exponentially before scanning again.
func (e *Engine) promoteTick(ctx context.Context) (int, error) {
	now := e.now()
	if !e.promoterHoldUntil.IsZero() && now.Before(e.promoterHoldUntil) {
		return 0, nil
	}

	cutoff := now.Add(e.cfg.PromotionHorizon)

	due, err := e.delayed.RangeDue(ctx, cutoff, e.cfg.PromoteBatch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	var firstErr error
	for _, de := range due {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}

		hotID := event.HotEventID(uuid.NewString())
		if err := e.delayed.MarkPromoted(ctx, de.ID, string(hotID), now); err != nil {
			if errors.Is(err, event.ErrConflict) {
				// another promoter won this row
				continue
			}
			e.log.Error("promotion cas failed", "event", de.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := e.hot.Put(ctx, hotFromDelayed(de, hotID, now)); err != nil {
			// the row stays promoted without a hot copy until the janitor
			// re-materializes it
			e.log.Error("hot put after promotion failed", "event", de.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		promoted++
		if e.prom != nil {
			e.prom.PromotedTotal.Inc()
		}
	}

	if promoted == 0 && firstErr != nil {
		e.promoterFails++
		e.promoterHoldUntil = now.Add(e.retry.Delay(e.promoterFails))
		e.log.Warn("promoter backing off",
			"failures", e.promoterFails,
			"until", e.promoterHoldUntil,
			"error", firstErr,
		)
		return 0, firstErr
	}
	e.promoterFails = 0
	e.promoterHoldUntil = time.Time{}

	if promoted > 0 {
		e.log.Info("promoted events", "count", promoted, "cutoff", cutoff)
	}
	return promoted, firstErr
}

func hotFromDelayed(de event.DelayedEvent, hotID event.HotEventID, now time.Time) event.HotEvent {
	return event.HotEvent{
		ID:              hotID,
		DelayedEventID:  de.ID,
		Topic:           de.Topic,
		EntityType:      de.EntityType,
		Action:          de.Action,
		EntityID:        de.EntityID,
		ActorType:       de.ActorType,
		ActorID:         de.ActorID,
		Payload:         []byte(de.Payload),
		Headers:         de.Headers,
		CorrelationID:   de.CorrelationID,
		ScheduledAt:     de.ScheduledAt,
		Priority:        de.Priority,
		MaxDelaySeconds: de.MaxDelaySeconds,
		Source:          de.Source,
		SourceID:        de.SourceID,
		Status:          event.HotPending,
		CQueueMS:        now.Sub(de.CreatedAt).Milliseconds(),
		RetryCount:      de.RetryCount,
		MaxRetries:      de.MaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
