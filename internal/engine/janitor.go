package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// orphanGrace is how long past its fire time an index member may dangle
// before the janitor treats a missing value record as an orphan.
const orphanGrace = 5 * time.Minute

// stuckPromotedAfter is how old a promoted columnar row may be before the
// janitor verifies its hot copy actually exists.
const stuckPromotedAfter = 10 * time.Minute

// janitorTick runs the recovery and retention sweeps. Each sweep is
// independent; one failing does not stop the others.
func (e *Engine) janitorTick(ctx context.Context) (int, error) {
	now := e.now()
	repaired := 0
	var firstErr error

	n, err := e.recoverExpiredClaims(ctx, now)
	repaired += n
	if err != nil && firstErr == nil {
		firstErr = err
	}

	n, err = e.rematerializeStuckPromotions(ctx, now)
	repaired += n
	if err != nil && firstErr == nil {
		firstErr = err
	}

	n, err = e.hot.SweepOrphans(ctx, now, orphanGrace, 500)
	repaired += n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if n > 0 {
		e.countRepair("orphan_index", n)
	}

	// the inverse direction: live value records whose index entry was lost
	n, err = e.hot.ReindexLost(ctx, 500)
	repaired += n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if n > 0 {
		e.countRepair("lost_index", n)
		e.log.Warn("re-indexed hot events", "count", n)
	}

	if err := e.applyRetention(ctx, now); err != nil && firstErr == nil {
		firstErr = err
	}

	e.updateQueueGauges(ctx, now)
	return repaired, firstErr
}

// recoverExpiredClaims requeues events stuck in reserved past the claim TTL:
// their dispatcher died mid-flight and its lock has expired.
func (e *Engine) recoverExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.hot.StaleReservations(ctx, now, e.cfg.ClaimTTL, 500)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, he := range stale {
		held, lockErr := e.hot.LockExists(ctx, he.ID)
		if lockErr != nil {
			return recovered, lockErr
		}
		if held {
			// claim TTL not actually over; the reservation is still live
			continue
		}

		if err := e.hot.Requeue(ctx, he, now, "claim expired"); err != nil {
			e.log.Error("requeue expired claim failed", "event", he.ID, "error", err)
			continue
		}
		recovered++
		e.log.Warn("recovered expired claim",
			"event", he.ID,
			"reserved_by", he.ReservedBy,
			"reserved_at", he.ReservedAt,
		)
	}

	if recovered > 0 {
		e.countRepair("stuck_claim", recovered)
	}
	return recovered, nil
}

// rematerializeStuckPromotions re-creates hot copies for columnar rows that
// were marked promoted but whose hot write never landed (crash between the
// CAS and the put, or hot-tier data loss).
func (e *Engine) rematerializeStuckPromotions(ctx context.Context, now time.Time) (int, error) {
	stuck, err := e.delayed.StuckPromoted(ctx, now.Add(-stuckPromotedAfter), 200)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, de := range stuck {
		_, getErr := e.hot.Get(ctx, event.HotEventID(de.PromotedKey))
		if getErr == nil {
			// hot copy exists and is just slow; nothing to do
			continue
		}
		if !errors.Is(getErr, redisq.ErrNotFound) && !errors.Is(getErr, event.ErrCorruptHotEvent) {
			return repaired, getErr
		}

		hotID := event.HotEventID(uuid.NewString())
		he := hotFromDelayed(de, hotID, now)
		he.CQueueMS = now.Sub(de.CreatedAt).Milliseconds()
		if err := e.hot.Put(ctx, he); err != nil {
			e.log.Error("rematerialize hot copy failed", "event", de.ID, "error", err)
			continue
		}

		repaired++
		e.log.Warn("rematerialized lost promotion",
			"event", de.ID,
			"old_hot_key", de.PromotedKey,
			"new_hot_key", hotID,
		)
	}

	if repaired > 0 {
		e.countRepair("promotion", repaired)
	}
	return repaired, nil
}

func (e *Engine) applyRetention(ctx context.Context, now time.Time) error {
	var firstErr error

	if e.cfg.RetentionC > 0 {
		n, err := e.delayed.DeleteTerminalBefore(ctx, now.Add(-e.cfg.RetentionC))
		if err != nil {
			firstErr = err
		} else if n > 0 {
			e.log.Info("retention pruned delayed events", "count", n)
		}
	}

	if e.cfg.RetentionAnalytics > 0 {
		cut := now.Add(-e.cfg.RetentionAnalytics)
		if e.analytics != nil {
			if n, err := e.analytics.DeleteBefore(ctx, cut); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else if n > 0 {
				e.log.Info("retention pruned analytics", "count", n)
			}
		}
		if n, err := e.defs.DeleteExecutionsBefore(ctx, cut); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if n > 0 {
			e.log.Info("retention pruned executions", "count", n)
		}
	}

	return firstErr
}

func (e *Engine) updateQueueGauges(ctx context.Context, now time.Time) {
	if e.prom == nil {
		return
	}

	h, err := e.hot.Health(ctx, now)
	if err != nil {
		e.log.Error("queue health failed", "error", err)
		return
	}

	e.prom.QueueDepth.WithLabelValues("overdue").Set(float64(h.Overdue))
	e.prom.QueueDepth.WithLabelValues("ready").Set(float64(h.Ready))
	e.prom.QueueDepth.WithLabelValues("future").Set(float64(h.Future))

	lag := 0.0
	if h.OldestDue != nil && h.OldestDue.Before(now) {
		lag = now.Sub(*h.OldestDue).Seconds()
	}
	e.prom.DispatcherLag.Set(lag)

	if e.breakerState != nil {
		open := 0.0
		if e.breakerState() == "open" {
			open = 1
		}
		e.prom.BreakerOpen.WithLabelValues("bus").Set(open)
	}
}

func (e *Engine) countRepair(kind string, n int) {
	if e.prom != nil {
		e.prom.JanitorRepairs.WithLabelValues(kind).Add(float64(n))
	}
}
