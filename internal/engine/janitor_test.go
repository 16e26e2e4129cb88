package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/observability"
	"github.com/mkravets/eventsched/internal/repo/memory"
)

func TestJanitorRecoversExpiredClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	ref, err := env.eng.ScheduleEvent(ctx, scheduleReq(now))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// a dispatcher claimed the event two minutes ago and died; its lock is gone
	if _, err := env.hot.Claim(ctx, event.HotEventID(ref.ID), "dead-node", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := env.eng.RunTickNow(ctx, WorkerJanitor)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if n != 1 {
		t.Fatalf("repaired %d, want 1", n)
	}

	he, err := env.hot.Get(ctx, event.HotEventID(ref.ID))
	if err != nil {
		t.Fatalf("hot record: %v", err)
	}
	if he.Status != event.HotPending || he.ReservedBy != "" {
		t.Fatalf("recovered record mismatch: %+v", he)
	}

	// the recovered event dispatches normally afterwards
	if n, err := env.eng.RunTickNow(ctx, WorkerDispatcher); err != nil || n != 1 {
		t.Fatalf("dispatch after recovery: n=%d err=%v", n, err)
	}
	if len(env.bus.Messages()) != 1 {
		t.Fatal("recovered event must publish")
	}
}

func TestJanitorLeavesLiveClaimsAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	ref, err := env.eng.ScheduleEvent(ctx, scheduleReq(now))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// reservation looks stale by timestamp but the lock is still held: the
	// fake clock ran ahead of the real lock TTL
	if _, err := env.hot.Claim(ctx, event.HotEventID(ref.ID), "slow-node", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, _ := env.hot.TryLock(ctx, event.HotEventID(ref.ID), "slow-token", time.Hour); !ok {
		t.Fatal("setup lock failed")
	}

	n, err := env.eng.RunTickNow(ctx, WorkerJanitor)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if n != 0 {
		t.Fatalf("repaired %d, want 0", n)
	}

	he, err := env.hot.Get(ctx, event.HotEventID(ref.ID))
	if err != nil {
		t.Fatalf("hot record: %v", err)
	}
	if he.Status != event.HotReserved {
		t.Fatalf("live claim must stay reserved, got %s", he.Status)
	}
}

func TestJanitorRematerializesLostPromotion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	de, err := env.delayed.Insert(ctx, event.DelayedEvent{
		Topic:       "orders",
		EntityType:  "order",
		Action:      "expire",
		Payload:     `{"orderId":42}`,
		ScheduledAt: now.Add(30 * time.Minute),
		Status:      event.StatusPending,
		Source:      event.SourceAPI,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// promoted twenty minutes ago but the hot write never landed
	if err := env.delayed.MarkPromoted(ctx, de.ID, "lost-hot-key", now.Add(-20*time.Minute)); err != nil {
		t.Fatalf("mark promoted: %v", err)
	}

	n, err := env.eng.RunTickNow(ctx, WorkerJanitor)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if n != 1 {
		t.Fatalf("repaired %d, want 1", n)
	}

	due, err := env.hot.DueIDs(ctx, now.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("due ids: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("rematerialized copies = %d, want 1", len(due))
	}
	he, err := env.hot.Get(ctx, due[0])
	if err != nil {
		t.Fatalf("hot record: %v", err)
	}
	if he.DelayedEventID != de.ID {
		t.Fatalf("back-reference = %s, want %s", he.DelayedEventID, de.ID)
	}
	if string(he.ID) == "lost-hot-key" {
		t.Fatal("rematerialization must mint a fresh hot id")
	}
}

func TestJanitorSkipsHealthyPromotions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.eng.ScheduleEvent(ctx, scheduleReq(env.clock.Now().Add(90*time.Minute))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	env.clock.Advance(45 * time.Minute)
	if n, err := env.eng.RunTickNow(ctx, WorkerPromoter); err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}

	// even well past the stuck threshold, a promotion with a live hot copy
	// needs no repair
	env.clock.Advance(30 * time.Minute)
	if n, err := env.eng.RunTickNow(ctx, WorkerJanitor); err != nil || n != 0 {
		t.Fatalf("janitor: n=%d err=%v", n, err)
	}
}

func TestJanitorReindexesLostIndexEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	ref, err := env.eng.ScheduleEvent(ctx, scheduleReq(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// the value record survives but its index entry is gone
	env.hot.Deindex(event.HotEventID(ref.ID))
	env.clock.Advance(2 * time.Minute)

	if n, err := env.eng.RunTickNow(ctx, WorkerDispatcher); err != nil || n != 0 {
		t.Fatalf("deindexed event must be invisible to the dispatcher: n=%d err=%v", n, err)
	}

	n, err := env.eng.RunTickNow(ctx, WorkerJanitor)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if n != 1 {
		t.Fatalf("repaired %d, want 1", n)
	}

	if n, err := env.eng.RunTickNow(ctx, WorkerDispatcher); err != nil || n != 1 {
		t.Fatalf("dispatch after reindex: n=%d err=%v", n, err)
	}
	if len(env.bus.Messages()) != 1 {
		t.Fatal("re-indexed event must publish")
	}

	// the completed record now lives without an index entry until its TTL;
	// the next sweep must leave it alone
	if n, err := env.eng.RunTickNow(ctx, WorkerJanitor); err != nil || n != 0 {
		t.Fatalf("terminal record re-indexed: n=%d err=%v", n, err)
	}
}

func TestJanitorUpdatesQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	clock := newFakeClock(time.Now().UTC())
	env := &testEnv{
		defs:      memory.NewDefinitionsStore(),
		delayed:   memory.NewDelayedStore(),
		hot:       memory.NewHotStore(),
		analytics: memory.NewAnalyticsStore(),
		bus:       memory.NewBusRecorder(),
		clock:     clock,
	}
	env.eng = New(testConfig(), Deps{
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prom:         prom,
		Definitions:  env.defs,
		Delayed:      env.delayed,
		Hot:          env.hot,
		Analytics:    env.analytics,
		Bus:          env.bus,
		Now:          clock.Now,
		NodeID:       "test-node",
		BreakerState: func() string { return "open" },
	})
	ctx := context.Background()

	if _, err := env.eng.ScheduleEvent(ctx, scheduleReq(clock.Now().Add(time.Minute))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	clock.Advance(3 * time.Minute)

	if _, err := env.eng.RunTickNow(ctx, WorkerJanitor); err != nil {
		t.Fatalf("janitor: %v", err)
	}

	if got := testutil.ToFloat64(prom.DispatcherLag); got != 120 {
		t.Fatalf("dispatcher lag = %v, want 120", got)
	}
	if got := testutil.ToFloat64(prom.QueueDepth.WithLabelValues("overdue")); got != 1 {
		t.Fatalf("overdue depth = %v, want 1", got)
	}
	if got := testutil.ToFloat64(prom.BreakerOpen.WithLabelValues("bus")); got != 1 {
		t.Fatalf("breaker gauge = %v, want 1 while open", got)
	}

	// dispatch drains the queue; the next sweep clears the lag
	if n, err := env.eng.RunTickNow(ctx, WorkerDispatcher); err != nil || n != 1 {
		t.Fatalf("dispatch: n=%d err=%v", n, err)
	}
	if _, err := env.eng.RunTickNow(ctx, WorkerJanitor); err != nil {
		t.Fatalf("second janitor: %v", err)
	}
	if got := testutil.ToFloat64(prom.DispatcherLag); got != 0 {
		t.Fatalf("drained lag = %v, want 0", got)
	}
}

func TestJanitorRetention(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionC = time.Hour
	cfg.RetentionAnalytics = time.Hour
	env := newTestEnvWithConfig(t, cfg)
	ctx := context.Background()
	now := env.clock.Now()

	ref, err := env.eng.ScheduleEvent(ctx, scheduleReq(now.Add(3*time.Hour)))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := env.delayed.MarkError(ctx, event.EventID(ref.ID), "broker down"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	if err := env.analytics.Insert(ctx, event.AnalyticsRow{EventID: ref.ID, Result: event.ResultFailure}); err != nil {
		t.Fatalf("analytics insert: %v", err)
	}
	if err := env.defs.AppendExecution(ctx, schedule.ExecutionRecord{DefinitionID: "d-1", Outcome: schedule.OutcomeSuccess}); err != nil {
		t.Fatalf("append execution: %v", err)
	}

	env.clock.Advance(48 * time.Hour)
	if _, err := env.eng.RunTickNow(ctx, WorkerJanitor); err != nil {
		t.Fatalf("janitor: %v", err)
	}

	counts, err := env.delayed.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["error"] != 0 {
		t.Fatalf("terminal rows past retention must be pruned, got %v", counts)
	}
	if len(env.analytics.Rows()) != 0 {
		t.Fatal("analytics rows past retention must be pruned")
	}
	execs, err := env.defs.ListExecutions(ctx, "d-1", 10)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatal("execution history past retention must be pruned")
	}
}
