package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/observability"
)

// DelayedRepo is the columnar-tier store: long-horizon one-shot events kept
// in a range-scannable table ordered by scheduled_at.
type DelayedRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewDelayedRepo(pool *pgxpool.Pool, prom *observability.Prom) *DelayedRepo {
	return &DelayedRepo{pool: pool, prom: prom}
}

func (r *DelayedRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const delayedCols = `
	id, topic, entity_type, action, entity_id, actor_type, actor_id,
	payload, headers, correlation_id,
	scheduled_at, priority, max_delay_seconds,
	status, source, source_id,
	retry_count, max_retries,
	node_id, lock_until, promoted_at, promoted_key,
	processing_started_at, completed_at, error,
	created_at, updated_at`

func scanDelayed(row pgx.Row) (event.DelayedEvent, error) {
	var e event.DelayedEvent
	var status, source string
	var headers []byte

	err := row.Scan(
		&e.ID, &e.Topic, &e.EntityType, &e.Action, &e.EntityID, &e.ActorType, &e.ActorID,
		&e.Payload, &headers, &e.CorrelationID,
		&e.ScheduledAt, &e.Priority, &e.MaxDelaySeconds,
		&status, &source, &e.SourceID,
		&e.RetryCount, &e.MaxRetries,
		&e.NodeID, &e.LockUntil, &e.PromotedAt, &e.PromotedKey,
		&e.ProcessingStartedAt, &e.CompletedAt, &e.Error,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return event.DelayedEvent{}, err
	}

	e.Status = event.Status(status)
	e.Source = event.Source(source)
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &e.Headers)
	}
	return e, nil
}

func (r *DelayedRepo) Insert(ctx context.Context, e event.DelayedEvent) (event.DelayedEvent, error) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = event.EventID(uuid.NewString())
	}
	if e.Status == "" {
		e.Status = event.StatusPending
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	op := "delayed.insert"
	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO delayed_events(`+delayedCols+`
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,
			$8,$9,$10,
			$11,$12,$13,
			$14,$15,$16,
			$17,$18,
			$19,$20,$21,$22,
			$23,$24,$25,
			$26,$27
		)`,
			e.ID, e.Topic, e.EntityType, e.Action, e.EntityID, e.ActorType, e.ActorID,
			e.Payload, headersJSON(e.Headers), e.CorrelationID,
			e.ScheduledAt, e.Priority, e.MaxDelaySeconds,
			string(e.Status), string(e.Source), e.SourceID,
			e.RetryCount, e.MaxRetries,
			e.NodeID, e.LockUntil, e.PromotedAt, e.PromotedKey,
			e.ProcessingStartedAt, e.CompletedAt, e.Error,
			e.CreatedAt, e.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return event.DelayedEvent{}, err
	}
	return e, nil
}

func (r *DelayedRepo) Get(ctx context.Context, id event.EventID) (event.DelayedEvent, error) {
	var e event.DelayedEvent

	op := "delayed.get"
	err := r.observe(op, func() error {
		var scanErr error
		e, scanErr = scanDelayed(r.pool.QueryRow(ctx,
			`SELECT `+delayedCols+` FROM delayed_events WHERE id = $1`, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return event.DelayedEvent{}, event.ErrNotFound
		}
		return event.DelayedEvent{}, err
	}
	return e, nil
}

// RangeDue returns pending rows whose fire time falls inside the promotion
// window, oldest first, priority breaking ties. This is the promoter's scan.
func (r *DelayedRepo) RangeDue(ctx context.Context, cutoff time.Time, limit int) ([]event.DelayedEvent, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows pgx.Rows
	op := "delayed.range_due"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+delayedCols+`
			FROM delayed_events
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC, priority DESC, id ASC
			LIMIT $2
		`, cutoff, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.DelayedEvent
	for rows.Next() {
		e, scanErr := scanDelayed(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPromoted flips pending -> promoted and records the hot-tier key. The
// status guard makes promotion idempotent across competing promoters: the
// loser sees zero rows and gets ErrConflict.
func (r *DelayedRepo) MarkPromoted(ctx context.Context, id event.EventID, hotKey string, at time.Time) error {
	op := "delayed.mark_promoted"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE delayed_events
			SET status = 'promoted',
			    promoted_at = $2,
			    promoted_key = $3,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, id, at, hotKey)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return event.ErrConflict
		}
		return nil
	})
}

// CancelPending removes a still-pending row. A row that already left pending
// cannot be cancelled here.
func (r *DelayedRepo) CancelPending(ctx context.Context, id event.EventID) error {
	op := "delayed.cancel_pending"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM delayed_events WHERE id = $1 AND status = 'pending'`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var status string
		err = r.pool.QueryRow(ctx,
			`SELECT status FROM delayed_events WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return event.ErrNotFound
		}
		if err != nil {
			return err
		}
		return event.ErrConflict
	})
}

// FinishPromoted closes out the columnar row once the hot copy reached a
// terminal state. Best effort: the hot tier is authoritative after promotion.
func (r *DelayedRepo) FinishPromoted(ctx context.Context, id event.EventID, status event.Status, errMsg string, at time.Time) error {
	op := "delayed.finish_promoted"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE delayed_events
			SET status = $2,
			    error = $3,
			    completed_at = $4,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'promoted'
		`, id, string(status), errMsg, at)
		return err
	})
}

// MarkError puts a row in terminal error state regardless of where it was.
func (r *DelayedRepo) MarkError(ctx context.Context, id event.EventID, errMsg string) error {
	op := "delayed.mark_error"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE delayed_events
			SET status = 'error', error = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status NOT IN ('completed','error','skipped')
		`, id, errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return event.ErrNotFound
		}
		return nil
	})
}

// Replay resurrects a terminal-error row for another pass through the tiers.
func (r *DelayedRepo) Replay(ctx context.Context, id event.EventID, scheduledAt time.Time) error {
	op := "delayed.replay"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE delayed_events
			SET status = 'pending',
			    scheduled_at = $2,
			    retry_count = 0,
			    error = '',
			    promoted_at = NULL,
			    promoted_key = '',
			    completed_at = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'error'
		`, id, scheduledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return event.ErrConflict
		}
		return nil
	})
}

func (r *DelayedRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows pgx.Rows
	op := "delayed.count_by_status"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx,
			`SELECT status, COUNT(*) FROM delayed_events GROUP BY status`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, scanErr
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (r *DelayedRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	op := "delayed.delete_terminal_before"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM delayed_events
			WHERE status IN ('completed','error','skipped') AND updated_at < $1
		`, before)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// StuckPromoted finds rows that were promoted long ago but whose hot copy
// never reached a terminal state. The janitor re-checks these against the
// key-value tier.
func (r *DelayedRepo) StuckPromoted(ctx context.Context, promotedBefore time.Time, limit int) ([]event.DelayedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	op := "delayed.stuck_promoted"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+delayedCols+`
			FROM delayed_events
			WHERE status = 'promoted' AND promoted_at < $1
			ORDER BY promoted_at ASC
			LIMIT $2
		`, promotedBefore, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.DelayedEvent
	for rows.Next() {
		e, scanErr := scanDelayed(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCursor pages delayed events by (updated_at, id) keyset, newest first.
// A zero beforeUpdated means first page.
func (r *DelayedRepo) ListCursor(ctx context.Context, status *string, limit int, beforeUpdated time.Time, beforeID string) ([]event.DelayedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := `TRUE`
	args := []any{}
	n := 1
	if status != nil {
		where += ` AND status = $` + itoa(n)
		args = append(args, *status)
		n++
	}
	if !beforeUpdated.IsZero() {
		where += ` AND (updated_at, id) < ($` + itoa(n) + `, $` + itoa(n+1) + `)`
		args = append(args, beforeUpdated, beforeID)
		n += 2
	}
	args = append(args, limit)

	var rows pgx.Rows
	op := "delayed.list_cursor"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+delayedCols+`
			FROM delayed_events
			WHERE `+where+`
			ORDER BY updated_at DESC, id DESC
			LIMIT $`+itoa(n), args...)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.DelayedEvent
	for rows.Next() {
		e, scanErr := scanDelayed(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
