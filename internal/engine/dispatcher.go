package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/bus"
	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/faults"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// dispatchTick claims due hot events and publishes them. Claim discipline:
// per-id lock, then a pending -> reserved CAS; the publish timeout is kept
// under the claim TTL so a hung broker can never outlive the lock.
func (e *Engine) dispatchTick(ctx context.Context) (int, error) {
	now := e.now()

	ids, err := e.hot.DueIDs(ctx, now, e.cfg.DispatchBatch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if e.dispatchOne(ctx, id) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatchOne returns true when the event reached a terminal state or was
// requeued; false means contention and the id stays due for the next tick.
func (e *Engine) dispatchOne(ctx context.Context, id event.HotEventID) bool {
	token := uuid.NewString()

	locked, err := e.hot.TryLock(ctx, id, token, e.cfg.ClaimTTL)
	if err != nil {
		e.log.Error("claim lock failed", "event", id, "error", err)
		return false
	}
	if !locked {
		return false
	}
	defer func() { _ = e.hot.Unlock(ctx, id, token) }()

	now := e.now()
	he, err := e.hot.Claim(ctx, id, e.nodeID, now)
	if err != nil {
		switch {
		case errors.Is(err, redisq.ErrClaimLost):
			// someone else finished it between index read and claim
		case errors.Is(err, redisq.ErrNotFound), errors.Is(err, event.ErrCorruptHotEvent):
			e.log.Warn("dropping unreadable hot event", "event", id, "error", err)
			_ = e.hot.Delete(ctx, id)
		default:
			e.log.Error("claim failed", "event", id, "error", err)
		}
		return false
	}

	// shutdown can land between the claim and the publish: hand the claim
	// back without burning a retry
	if ctx.Err() != nil {
		releaseCtx := context.WithoutCancel(ctx)
		if err := e.hot.Release(releaseCtx, he); err != nil {
			e.log.Error("release abandoned claim failed", "event", he.ID, "error", err)
		}
		return false
	}

	startedAt := now

	if he.Stale(now) {
		if he.StaleIsFatal() || e.cfg.StaleIsFatal {
			e.finishSkippedStale(ctx, he, startedAt)
			return true
		}
		// late but still wanted: deliver flagged, and leave a warning trail
		e.countStale("published")
	}

	partition, offset, pubMS, pubErr := e.publish(ctx, he, now)
	if pubErr != nil {
		e.handlePublishFailure(ctx, he, startedAt, pubErr)
		return true
	}

	completedAt := e.now()
	if err := e.hot.MarkTerminal(ctx, he, event.HotCompleted, "", completedAt); err != nil {
		e.log.Error("mark completed failed", "event", he.ID, "error", err)
	}
	if he.DelayedEventID != "" {
		_ = e.delayed.FinishPromoted(ctx, he.DelayedEventID, event.StatusCompleted, "", completedAt)
	}

	e.countPublished("success")
	e.recordDispatched(ctx, he, startedAt, completedAt, pubMS, partition, offset, he.Stale(now))
	e.log.Info("event published",
		"event", he.ID,
		"topic", he.Topic,
		"correlation_id", he.CorrelationID,
		"offset", offset,
		"retry_count", he.RetryCount,
	)
	return true
}

func (e *Engine) publish(ctx context.Context, he event.HotEvent, now time.Time) (int32, int64, int64, error) {
	pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	partition, offset, err := e.bus.Publish(pubCtx, busMessage(he, now))
	elapsed := time.Since(start)

	if e.prom != nil {
		e.prom.PublishDuration.Observe(elapsed.Seconds())
	}
	return partition, offset, elapsed.Milliseconds(), err
}

func busMessage(he event.HotEvent, now time.Time) bus.Message {
	headers := map[string]string{
		bus.HeaderCorrelationID: he.CorrelationID,
		bus.HeaderEventID:       string(he.ID),
		bus.HeaderSource:        string(he.Source),
		bus.HeaderEntityType:    he.EntityType,
		bus.HeaderAction:        he.Action,
		bus.HeaderPriority:      strconv.Itoa(he.Priority),
		bus.HeaderQueueTimeMS:   strconv.FormatInt(now.Sub(he.ScheduledAt).Milliseconds(), 10),
	}
	if he.SourceID != "" {
		headers[bus.HeaderScheduleID] = he.SourceID
		headers[bus.HeaderSourceID] = he.SourceID
	}
	if he.Stale(now) {
		headers[bus.HeaderStale] = "true"
	}
	for k, v := range he.Headers {
		if _, reserved := headers[k]; !reserved {
			headers[k] = v
		}
	}

	key := he.EntityID
	if key == "" {
		key = string(he.ID)
	}
	return bus.Message{
		Topic:   he.Topic,
		Key:     key,
		Value:   he.Payload,
		Headers: headers,
	}
}

func (e *Engine) handlePublishFailure(ctx context.Context, he event.HotEvent, startedAt time.Time, pubErr error) {
	kind := faults.Classify(pubErr)
	attempt := he.RetryCount + 1

	// max_retries is settled at creation; a stored 0 really means no retries
	if !faults.Retryable(kind) || attempt > he.MaxRetries {
		completedAt := e.now()
		if err := e.hot.MarkTerminal(ctx, he, event.HotError, pubErr.Error(), completedAt); err != nil {
			e.log.Error("mark error failed", "event", he.ID, "error", err)
		}
		if he.DelayedEventID != "" {
			_ = e.delayed.FinishPromoted(ctx, he.DelayedEventID, event.StatusError, pubErr.Error(), completedAt)
		}
		e.countPublished("error")
		e.recordFailed(ctx, he, startedAt, completedAt, pubErr, kind)
		e.log.Error("event failed terminally",
			"event", he.ID,
			"topic", he.Topic,
			"kind", string(kind),
			"retry_count", he.RetryCount,
			"error", pubErr,
		)
		return
	}

	var delay time.Duration
	if kind == faults.KindTimeout {
		delay = faults.LinearDelay(e.retry.Base, attempt)
	} else {
		delay = e.retry.Delay(attempt)
	}
	nextAt := e.now().Add(delay)

	if err := e.hot.Requeue(ctx, he, nextAt, pubErr.Error()); err != nil {
		e.log.Error("requeue failed", "event", he.ID, "error", err)
		return
	}

	e.countPublished("retry")
	if e.prom != nil {
		e.prom.RetriesTotal.Inc()
	}
	e.recordRetry(ctx, he, startedAt, pubErr, kind)
	e.log.Warn("publish failed, requeued",
		"event", he.ID,
		"topic", he.Topic,
		"kind", string(kind),
		"attempt", attempt,
		"next_at", nextAt,
		"error", pubErr,
	)
}

func (e *Engine) finishSkippedStale(ctx context.Context, he event.HotEvent, startedAt time.Time) {
	completedAt := e.now()
	if err := e.hot.MarkTerminal(ctx, he, event.HotSkipped, "stale past max delay", completedAt); err != nil {
		e.log.Error("mark skipped failed", "event", he.ID, "error", err)
	}
	if he.DelayedEventID != "" {
		_ = e.delayed.FinishPromoted(ctx, he.DelayedEventID, event.StatusSkipped, "stale past max delay", completedAt)
	}

	e.countStale("skipped")
	e.countPublished("skipped_stale")
	e.recordSkippedStale(ctx, he, startedAt, completedAt)
	e.log.Warn("stale event skipped",
		"event", he.ID,
		"topic", he.Topic,
		"scheduled_at", he.ScheduledAt,
		"max_delay_seconds", he.MaxDelaySeconds,
	)
}

func (e *Engine) countPublished(result string) {
	if e.prom != nil {
		e.prom.PublishedTotal.WithLabelValues(result).Inc()
	}
}

func (e *Engine) countStale(action string) {
	if e.prom != nil {
		e.prom.StaleTotal.WithLabelValues(action).Inc()
	}
}
