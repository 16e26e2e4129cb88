package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/observability"
)

// AnalyticsRepo is the append-only execution analytics store. Writes here
// are advisory: a lost row never blocks scheduling.
type AnalyticsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewAnalyticsRepo(pool *pgxpool.Pool, prom *observability.Prom) *AnalyticsRepo {
	return &AnalyticsRepo{pool: pool, prom: prom}
}

func (r *AnalyticsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const analyticsCols = `
	id, tier, schedule_id, event_id,
	entity_type, action, entity_id, correlation_id,
	level, result,
	scheduled_at, started_processing_at, completed_at,
	time_in_c_queue_ms, time_in_k_queue_ms, total_processing_ms, publish_ms,
	retry_count, error_message,
	node, bus_topic, bus_partition, bus_offset,
	created_at`

func (r *AnalyticsRepo) Insert(ctx context.Context, row event.AnalyticsRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	op := "analytics.insert"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO event_analytics(`+analyticsCols+`
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,
			$9,$10,
			$11,$12,$13,
			$14,$15,$16,$17,
			$18,$19,
			$20,$21,$22,$23,
			$24
		)`,
			row.ID, string(row.Tier), row.ScheduleID, row.EventID,
			row.EntityType, row.Action, row.EntityID, row.CorrelationID,
			string(row.Level), string(row.Result),
			row.ScheduledAt, row.StartedProcessingAt, row.CompletedAt,
			row.TimeInCQueueMS, row.TimeInKQueueMS, row.TotalProcessingMS, row.PublishMS,
			row.RetryCount, row.ErrorMessage,
			row.Node, row.BusTopic, row.BusPartition, row.BusOffset,
			row.CreatedAt,
		)
		return err
	})
}

func scanAnalytics(row pgx.Row) (event.AnalyticsRow, error) {
	var a event.AnalyticsRow
	var tier, level, result string

	err := row.Scan(
		&a.ID, &tier, &a.ScheduleID, &a.EventID,
		&a.EntityType, &a.Action, &a.EntityID, &a.CorrelationID,
		&level, &result,
		&a.ScheduledAt, &a.StartedProcessingAt, &a.CompletedAt,
		&a.TimeInCQueueMS, &a.TimeInKQueueMS, &a.TotalProcessingMS, &a.PublishMS,
		&a.RetryCount, &a.ErrorMessage,
		&a.Node, &a.BusTopic, &a.BusPartition, &a.BusOffset,
		&a.CreatedAt,
	)
	if err != nil {
		return event.AnalyticsRow{}, err
	}

	a.Tier = event.Tier(tier)
	a.Level = event.AnalyticsLevel(level)
	a.Result = event.ExecutionResult(result)
	return a, nil
}

func (r *AnalyticsRepo) ListRecent(ctx context.Context, limit int) ([]event.AnalyticsRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows pgx.Rows
	op := "analytics.list_recent"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+analyticsCols+`
			FROM event_analytics
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAnalytics(rows)
}

func (r *AnalyticsRepo) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]event.AnalyticsRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows pgx.Rows
	op := "analytics.list_by_schedule"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+analyticsCols+`
			FROM event_analytics
			WHERE schedule_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, scheduleID, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAnalytics(rows)
}

func collectAnalytics(rows pgx.Rows) ([]event.AnalyticsRow, error) {
	var out []event.AnalyticsRow
	for rows.Next() {
		a, err := scanAnalytics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Summary aggregates outcomes over a trailing window for the stats endpoint.
type AnalyticsSummary struct {
	Total     int64 `json:"total"`
	Success   int64 `json:"success"`
	Failure   int64 `json:"failure"`
	Timeout   int64 `json:"timeout"`
	Cancelled int64 `json:"cancelled"`

	AvgTotalMS   float64 `json:"avgTotalMs"`
	AvgPublishMS float64 `json:"avgPublishMs"`
}

func (r *AnalyticsRepo) Summarize(ctx context.Context, since time.Time) (AnalyticsSummary, error) {
	var s AnalyticsSummary

	op := "analytics.summarize"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE result = 'success'),
			       COUNT(*) FILTER (WHERE result = 'failure'),
			       COUNT(*) FILTER (WHERE result = 'timeout'),
			       COUNT(*) FILTER (WHERE result = 'cancelled'),
			       COALESCE(AVG(GREATEST(total_processing_ms, 0)), 0),
			       COALESCE(AVG(publish_ms), 0)
			FROM event_analytics
			WHERE created_at >= $1
		`, since).Scan(&s.Total, &s.Success, &s.Failure, &s.Timeout, &s.Cancelled,
			&s.AvgTotalMS, &s.AvgPublishMS)
	})
	return s, err
}

func (r *AnalyticsRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	op := "analytics.delete_before"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM event_analytics WHERE created_at < $1`, before)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
