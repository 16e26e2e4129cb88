package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
)

func seedDefinition(t *testing.T, env *testEnv, name, cronExpr string, nextFire time.Time) schedule.CronDefinition {
	t.Helper()

	def, err := env.defs.Create(context.Background(), schedule.CronDefinition{
		Name:       name,
		EntityType: "digest",
		Action:     "send",
		Payload:    `{"kind":"daily"}`,
		CronExpr:   cronExpr,
		MaxRetries: 3,
		Status:     schedule.StatusActive,
		NextFireAt: &nextFire,
	})
	if err != nil {
		t.Fatalf("seed definition: %v", err)
	}
	return def
}

func TestCronTickFiresDueDefinition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	slot := now.Add(-30 * time.Second)
	def := seedDefinition(t, env, "daily-digest", "0 * * * *", slot)

	n, err := env.eng.RunTickNow(ctx, WorkerCron)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}

	// cron firings land in the hot tier immediately
	due, err := env.hot.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("due ids: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("hot events = %d, want 1", len(due))
	}
	he, err := env.hot.Get(ctx, due[0])
	if err != nil {
		t.Fatalf("hot event: %v", err)
	}
	if he.Source != event.SourceCron || he.SourceID != string(def.ID) {
		t.Fatalf("provenance mismatch: %s/%s", he.Source, he.SourceID)
	}
	if he.Payload == nil || string(he.Payload) != `{"kind":"daily"}` {
		t.Fatalf("payload = %s", he.Payload)
	}

	stored, err := env.defs.GetByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if stored.ExecCount != 1 {
		t.Fatalf("exec count = %d, want 1", stored.ExecCount)
	}
	if stored.LastFireAt == nil || !stored.LastFireAt.Equal(slot) {
		t.Fatalf("last fire = %v, want the honored slot %v", stored.LastFireAt, slot)
	}
	if stored.NextFireAt == nil || !stored.NextFireAt.After(now) {
		t.Fatalf("next fire = %v, must be in the future", stored.NextFireAt)
	}

	execs, err := env.defs.ListExecutions(ctx, def.ID, 10)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Outcome != schedule.OutcomeSuccess || execs[0].EventID == "" {
		t.Fatalf("execution record mismatch: %+v", execs)
	}
}

func TestCronTickSuppressesCatchUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	// three hourly slots were missed during an outage
	def := seedDefinition(t, env, "hourly", "0 * * * *", now.Add(-3*time.Hour))

	n, err := env.eng.RunTickNow(ctx, WorkerCron)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("fired %d, want exactly 1 despite 3 missed slots", n)
	}

	due, err := env.hot.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("due ids: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("hot events = %d, want 1", len(due))
	}

	stored, err := env.defs.GetByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if stored.NextFireAt == nil || !stored.NextFireAt.After(now) {
		t.Fatal("next fire must jump past the missed slots")
	}

	// re-running finds nothing due
	if n, err := env.eng.RunTickNow(ctx, WorkerCron); err != nil || n != 0 {
		t.Fatalf("second tick: n=%d err=%v", n, err)
	}
}

func TestCronTickDisablesBadCron(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	def := seedDefinition(t, env, "broken", "not a cron", now.Add(-time.Minute))

	n, err := env.eng.RunTickNow(ctx, WorkerCron)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("fired %d, want 0", n)
	}

	stored, err := env.defs.GetByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if stored.Status != schedule.StatusDisabled {
		t.Fatalf("status = %s, want disabled", stored.Status)
	}

	execs, err := env.defs.ListExecutions(ctx, def.ID, 10)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Outcome != schedule.OutcomeSkipped {
		t.Fatalf("execution record mismatch: %+v", execs)
	}
}

func TestCronTickSkipsPausedAndFuture(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	paused := seedDefinition(t, env, "paused", "0 * * * *", now.Add(-time.Minute))
	pausedStatus := schedule.StatusPaused
	if err := env.defs.SetOverrides(ctx, paused.ID, nil, nil, &pausedStatus); err != nil {
		t.Fatalf("pause: %v", err)
	}

	seedDefinition(t, env, "future", "0 * * * *", now.Add(time.Hour))

	n, err := env.eng.RunTickNow(ctx, WorkerCron)
	if err != nil {
		t.Fatalf("cron tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("fired %d, want 0", n)
	}
}

func TestCronTickUsesOverrides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	def := seedDefinition(t, env, "overridden", "0 * * * *", now.Add(-time.Minute))

	payload := `{"kind":"override"}`
	if err := env.defs.SetOverrides(ctx, def.ID, &payload, nil, nil); err != nil {
		t.Fatalf("set overrides: %v", err)
	}

	if n, err := env.eng.RunTickNow(ctx, WorkerCron); err != nil || n != 1 {
		t.Fatalf("cron tick: n=%d err=%v", n, err)
	}

	due, err := env.hot.DueIDs(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due: %v err=%v", due, err)
	}
	he, err := env.hot.Get(ctx, due[0])
	if err != nil {
		t.Fatalf("hot event: %v", err)
	}
	if string(he.Payload) != payload {
		t.Fatalf("payload = %s, want the override", he.Payload)
	}
}
