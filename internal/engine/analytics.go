package engine

import (
	"context"
	"time"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/faults"
)

// Analytics rows are advisory; failures are logged and swallowed so a broken
// analytics store never stalls dispatch.
func (e *Engine) insertAnalytics(ctx context.Context, row event.AnalyticsRow) {
	if e.analytics == nil {
		return
	}
	if err := e.analytics.Insert(ctx, row); err != nil {
		e.log.Error("analytics insert failed", "event", row.EventID, "error", err)
	}
}

func (e *Engine) baseRow(he event.HotEvent, startedAt, completedAt time.Time) event.AnalyticsRow {
	row := event.AnalyticsRow{
		Tier:                event.TierKeyValue,
		ScheduleID:          he.SourceID,
		EventID:             string(he.ID),
		EntityType:          he.EntityType,
		Action:              he.Action,
		EntityID:            he.EntityID,
		CorrelationID:       he.CorrelationID,
		ScheduledAt:         he.ScheduledAt,
		StartedProcessingAt: startedAt,
		CompletedAt:         completedAt,
		TotalProcessingMS:   completedAt.Sub(he.ScheduledAt).Milliseconds(),
		RetryCount:          he.RetryCount,
		Node:                e.nodeID,
	}

	kMS := startedAt.Sub(he.CreatedAt).Milliseconds()
	row.TimeInKQueueMS = &kMS
	if he.DelayedEventID != "" {
		cMS := he.CQueueMS
		row.TimeInCQueueMS = &cMS
	}
	return row
}

func (e *Engine) recordDispatched(ctx context.Context, he event.HotEvent, startedAt, completedAt time.Time, pubMS int64, partition int32, offset int64, stale bool) {
	row := e.baseRow(he, startedAt, completedAt)
	row.Level = event.LevelInfo
	if stale {
		row.Level = event.LevelWarning
		row.ErrorMessage = "published past max delay"
	}
	row.Result = event.ResultSuccess
	row.PublishMS = &pubMS
	row.BusTopic = he.Topic
	row.BusPartition = &partition
	row.BusOffset = &offset
	e.insertAnalytics(ctx, row)
}

func (e *Engine) recordFailed(ctx context.Context, he event.HotEvent, startedAt, completedAt time.Time, pubErr error, kind faults.Kind) {
	row := e.baseRow(he, startedAt, completedAt)
	row.Level = event.LevelError
	row.Result = event.ResultFailure
	if kind == faults.KindTimeout {
		row.Result = event.ResultTimeout
	}
	row.ErrorMessage = pubErr.Error()
	row.BusTopic = he.Topic
	e.insertAnalytics(ctx, row)
}

func (e *Engine) recordRetry(ctx context.Context, he event.HotEvent, startedAt time.Time, pubErr error, kind faults.Kind) {
	row := e.baseRow(he, startedAt, e.now())
	row.Level = event.LevelWarning
	row.Result = event.ResultRetry
	row.ErrorMessage = string(kind) + ": " + pubErr.Error()
	row.BusTopic = he.Topic
	e.insertAnalytics(ctx, row)
}

func (e *Engine) recordSkippedStale(ctx context.Context, he event.HotEvent, startedAt, completedAt time.Time) {
	row := e.baseRow(he, startedAt, completedAt)
	row.Level = event.LevelWarning
	row.Result = event.ResultCancelled
	row.ErrorMessage = "stale past max delay"
	e.insertAnalytics(ctx, row)
}

func (e *Engine) recordCancelled(ctx context.Context, he event.HotEvent, at time.Time) {
	row := e.baseRow(he, at, at)
	row.Level = event.LevelInfo
	row.Result = event.ResultCancelled
	row.ErrorMessage = "cancelled"
	e.insertAnalytics(ctx, row)
}
