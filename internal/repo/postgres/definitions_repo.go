package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/observability"
)

// DefinitionsRepo is the document-tier store: cron definitions plus their
// append-only execution history.
type DefinitionsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewDefinitionsRepo(pool *pgxpool.Pool, prom *observability.Prom) *DefinitionsRepo {
	return &DefinitionsRepo{pool: pool, prom: prom}
}

func (r *DefinitionsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

const definitionCols = `
	id, name, description, entity_type, action, entity_id, payload,
	actor_type, actor_id, headers, cron_expr, timezone, max_retries, status,
	override_payload, override_cron, override_status,
	last_fire_at, next_fire_at, exec_count, error_count, last_error,
	last_sync_at, created_at, updated_at, created_by`

func scanDefinition(row pgx.Row) (schedule.CronDefinition, error) {
	var d schedule.CronDefinition
	var status string
	var overrideStatus *string
	var headers []byte

	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.EntityType, &d.Action, &d.EntityID, &d.Payload,
		&d.ActorType, &d.ActorID, &headers, &d.CronExpr, &d.Timezone, &d.MaxRetries, &status,
		&d.OverridePayload, &d.OverrideCron, &overrideStatus,
		&d.LastFireAt, &d.NextFireAt, &d.ExecCount, &d.ErrorCount, &d.LastError,
		&d.LastSyncAt, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy,
	)
	if err != nil {
		return schedule.CronDefinition{}, err
	}

	d.Status = schedule.DefinitionStatus(status)
	if overrideStatus != nil {
		s := schedule.DefinitionStatus(*overrideStatus)
		d.OverrideStatus = &s
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &d.Headers)
	}
	return d, nil
}

func headersJSON(h map[string]string) []byte {
	if len(h) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(h)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func (r *DefinitionsRepo) Create(ctx context.Context, d schedule.CronDefinition) (schedule.CronDefinition, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = schedule.DefinitionID(uuid.NewString())
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	op := "definitions.create"

	var overrideStatus *string
	if d.OverrideStatus != nil {
		s := string(*d.OverrideStatus)
		overrideStatus = &s
	}

	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO cron_definitions(`+definitionCols+`
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,
			$8,$9,$10,$11,$12,$13,$14,
			$15,$16,$17,
			$18,$19,$20,$21,$22,
			$23,$24,$25,$26
		)`,
			d.ID, d.Name, d.Description, d.EntityType, d.Action, d.EntityID, d.Payload,
			d.ActorType, d.ActorID, headersJSON(d.Headers), d.CronExpr, d.Timezone, d.MaxRetries, string(d.Status),
			d.OverridePayload, d.OverrideCron, overrideStatus,
			d.LastFireAt, d.NextFireAt, d.ExecCount, d.ErrorCount, d.LastError,
			d.LastSyncAt, d.CreatedAt, d.UpdatedAt, d.CreatedBy,
		)
		return err
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return schedule.CronDefinition{}, schedule.ErrDuplicateName
		}
		return schedule.CronDefinition{}, err
	}
	return d, nil
}

func (r *DefinitionsRepo) GetByID(ctx context.Context, id schedule.DefinitionID) (schedule.CronDefinition, error) {
	var d schedule.CronDefinition
	var err error

	op := "definitions.get_by_id"
	err = r.observe(op, func() error {
		var scanErr error
		d, scanErr = scanDefinition(r.pool.QueryRow(ctx,
			`SELECT `+definitionCols+` FROM cron_definitions WHERE id = $1`, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.CronDefinition{}, schedule.ErrNotFound
		}
		return schedule.CronDefinition{}, err
	}
	return d, nil
}

func (r *DefinitionsRepo) GetByName(ctx context.Context, name string) (schedule.CronDefinition, error) {
	var d schedule.CronDefinition
	var err error

	op := "definitions.get_by_name"
	err = r.observe(op, func() error {
		var scanErr error
		d, scanErr = scanDefinition(r.pool.QueryRow(ctx,
			`SELECT `+definitionCols+` FROM cron_definitions WHERE name = $1`, name))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.CronDefinition{}, schedule.ErrNotFound
		}
		return schedule.CronDefinition{}, err
	}
	return d, nil
}

// FindDue returns active definitions whose next fire time has passed, in
// (next_fire, id) order. Admin status overrides are honored here so a
// paused-by-override definition never fires.
func (r *DefinitionsRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]schedule.CronDefinition, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	op := "definitions.find_due"

	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+definitionCols+`
			FROM cron_definitions
			WHERE COALESCE(override_status, status) = 'active'
			  AND next_fire_at IS NOT NULL
			  AND next_fire_at <= $1
			ORDER BY next_fire_at ASC, id ASC
			LIMIT $2
		`, now, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.CronDefinition
	for rows.Next() {
		d, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AdvanceBookkeeping records a firing: last/next fire, counters, last error.
// Only the cron generator calls this.
func (r *DefinitionsRepo) AdvanceBookkeeping(ctx context.Context, id schedule.DefinitionID, lastFire time.Time, nextFire *time.Time, execErr string) error {
	op := "definitions.advance_bookkeeping"

	return r.observe(op, func() error {
		var err error
		if execErr == "" {
			_, err = r.pool.Exec(ctx, `
				UPDATE cron_definitions
				SET last_fire_at = $2,
				    next_fire_at = $3,
				    exec_count = exec_count + 1,
				    last_error = '',
				    updated_at = NOW()
				WHERE id = $1
			`, id, lastFire, nextFire)
		} else {
			_, err = r.pool.Exec(ctx, `
				UPDATE cron_definitions
				SET last_fire_at = $2,
				    next_fire_at = $3,
				    error_count = error_count + 1,
				    last_error = $4,
				    updated_at = NOW()
				WHERE id = $1
			`, id, lastFire, nextFire, execErr)
		}
		return err
	})
}

func (r *DefinitionsRepo) SetNextFire(ctx context.Context, id schedule.DefinitionID, next time.Time) error {
	op := "definitions.set_next_fire"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE cron_definitions SET next_fire_at = $2, updated_at = NOW() WHERE id = $1
		`, id, next)
		return err
	})
}

// Disable takes a definition out of rotation after an unrecoverable error
// (unparseable cron after an admin edit, bad timezone).
func (r *DefinitionsRepo) Disable(ctx context.Context, id schedule.DefinitionID, reason string) error {
	op := "definitions.disable"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE cron_definitions
			SET status = 'disabled',
			    last_error = $2,
			    error_count = error_count + 1,
			    updated_at = NOW()
			WHERE id = $1
		`, id, reason)
		return err
	})
}

// UpdateConfig patches admin-editable fields. Bookkeeping is deliberately
// not touchable from here.
type DefinitionPatch struct {
	Description *string
	Payload     *string
	CronExpr    *string
	Timezone    *string
	MaxRetries  *int
	Status      *schedule.DefinitionStatus
}

func (r *DefinitionsRepo) UpdateConfig(ctx context.Context, id schedule.DefinitionID, p DefinitionPatch) error {
	op := "definitions.update_config"

	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE cron_definitions
			SET description = COALESCE($2, description),
			    payload = COALESCE($3, payload),
			    cron_expr = COALESCE($4, cron_expr),
			    timezone = COALESCE($5, timezone),
			    max_retries = COALESCE($6, max_retries),
			    status = COALESCE($7, status),
			    updated_at = NOW()
			WHERE id = $1
		`, id, p.Description, p.Payload, p.CronExpr, p.Timezone, p.MaxRetries, statusPtr(p.Status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return schedule.ErrNotFound
		}
		return nil
	})
	return err
}

func statusPtr(s *schedule.DefinitionStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// SetOverrides replaces the admin override fields; nil clears an override.
func (r *DefinitionsRepo) SetOverrides(ctx context.Context, id schedule.DefinitionID, payload, cronExpr *string, status *schedule.DefinitionStatus) error {
	op := "definitions.set_overrides"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE cron_definitions
			SET override_payload = $2,
			    override_cron = $3,
			    override_status = $4,
			    updated_at = NOW()
			WHERE id = $1
		`, id, payload, cronExpr, statusPtr(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return schedule.ErrNotFound
		}
		return nil
	})
}

// UpsertFromManifest syncs one manifest entry into the store. Manifest-owned
// fields are refreshed; overrides and bookkeeping survive untouched.
func (r *DefinitionsRepo) UpsertFromManifest(ctx context.Context, d schedule.CronDefinition, syncedAt time.Time) (schedule.CronDefinition, error) {
	if d.ID == "" {
		d.ID = schedule.DefinitionID(uuid.NewString())
	}
	op := "definitions.upsert_manifest"

	var out schedule.CronDefinition
	err := r.observe(op, func() error {
		var scanErr error
		out, scanErr = scanDefinition(r.pool.QueryRow(ctx, `
			INSERT INTO cron_definitions(
				id, name, description, entity_type, action, entity_id, payload,
				actor_type, actor_id, headers, cron_expr, timezone, max_retries, status,
				next_fire_at, last_sync_at, created_at, updated_at, created_by
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,
				$8,$9,$10,$11,$12,$13,$14,
				$15,$16,NOW(),NOW(),'manifest'
			)
			ON CONFLICT (name) DO UPDATE SET
				description = EXCLUDED.description,
				entity_type = EXCLUDED.entity_type,
				action = EXCLUDED.action,
				entity_id = EXCLUDED.entity_id,
				payload = EXCLUDED.payload,
				actor_type = EXCLUDED.actor_type,
				actor_id = EXCLUDED.actor_id,
				headers = EXCLUDED.headers,
				cron_expr = EXCLUDED.cron_expr,
				timezone = EXCLUDED.timezone,
				max_retries = EXCLUDED.max_retries,
				last_sync_at = EXCLUDED.last_sync_at,
				updated_at = NOW()
			RETURNING `+definitionCols,
			d.ID, d.Name, d.Description, d.EntityType, d.Action, d.EntityID, d.Payload,
			d.ActorType, d.ActorID, headersJSON(d.Headers), d.CronExpr, d.Timezone, d.MaxRetries, string(d.Status),
			d.NextFireAt, syncedAt,
		))
		return scanErr
	})
	if err != nil {
		return schedule.CronDefinition{}, err
	}
	return out, nil
}

func (r *DefinitionsRepo) Delete(ctx context.Context, id schedule.DefinitionID) error {
	op := "definitions.delete"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM cron_definitions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return schedule.ErrNotFound
		}
		return nil
	})
}

func (r *DefinitionsRepo) CountActive(ctx context.Context) (int64, error) {
	var n int64
	op := "definitions.count_active"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM cron_definitions
			WHERE COALESCE(override_status, status) = 'active'
		`).Scan(&n)
	})
	return n, err
}

func (r *DefinitionsRepo) List(ctx context.Context, status *string, limit, offset int) ([]schedule.CronDefinition, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows pgx.Rows
	op := "definitions.list"
	err := r.observe(op, func() error {
		var qerr error
		if status != nil {
			rows, qerr = r.pool.Query(ctx, `
				SELECT `+definitionCols+` FROM cron_definitions
				WHERE COALESCE(override_status, status) = $1
				ORDER BY name LIMIT $2 OFFSET $3
			`, *status, limit, offset)
		} else {
			rows, qerr = r.pool.Query(ctx, `
				SELECT `+definitionCols+` FROM cron_definitions
				ORDER BY name LIMIT $1 OFFSET $2
			`, limit, offset)
		}
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.CronDefinition
	for rows.Next() {
		d, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- execution history ---

func (r *DefinitionsRepo) AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	op := "definitions.append_execution"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO cron_executions(
				id, definition_id, name, fire_time, outcome, event_id,
				duration_ms, error, node_id, correlation_id, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, rec.ID, rec.DefinitionID, rec.Name, rec.FireTime, string(rec.Outcome), rec.EventID,
			rec.DurationMS, rec.Error, rec.NodeID, rec.CorrelationID, rec.CreatedAt)
		return err
	})
}

func (r *DefinitionsRepo) ListExecutions(ctx context.Context, id schedule.DefinitionID, limit int) ([]schedule.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows pgx.Rows
	op := "definitions.list_executions"
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT id, definition_id, name, fire_time, outcome, event_id,
			       duration_ms, error, node_id, correlation_id, created_at
			FROM cron_executions
			WHERE definition_id = $1
			ORDER BY fire_time DESC
			LIMIT $2
		`, id, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.ExecutionRecord
	for rows.Next() {
		var rec schedule.ExecutionRecord
		var outcome string
		if scanErr := rows.Scan(
			&rec.ID, &rec.DefinitionID, &rec.Name, &rec.FireTime, &outcome, &rec.EventID,
			&rec.DurationMS, &rec.Error, &rec.NodeID, &rec.CorrelationID, &rec.CreatedAt,
		); scanErr != nil {
			return nil, scanErr
		}
		rec.Outcome = schedule.ExecutionOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *DefinitionsRepo) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	op := "definitions.delete_executions_before"
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM cron_executions WHERE created_at < $1`, before)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
