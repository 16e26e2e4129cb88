package redisq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mkravets/eventsched/internal/domain/event"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(NewFromRedis(rdb), nil), mr
}

func hotEvent(id string, scheduledAt time.Time) event.HotEvent {
	return event.HotEvent{
		ID:            event.HotEventID(id),
		Topic:         "orders",
		EntityType:    "order",
		Action:        "expire",
		Payload:       []byte(`{"orderId":42}`),
		CorrelationID: "c-" + id,
		ScheduledAt:   scheduledAt,
		Status:        event.HotPending,
		MaxRetries:    3,
		CreatedAt:     scheduledAt.Add(-time.Minute),
		UpdatedAt:     scheduledAt.Add(-time.Minute),
	}
}

func TestPutGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	he := hotEvent("h-1", now.Add(time.Minute))
	if err := s.Put(ctx, he); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, he.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != he.ID || got.Topic != he.Topic || got.Status != event.HotPending {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := s.Delete(ctx, he.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, he.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestGetCorruptRecord(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Set("hot_event:broken", "{garbage")

	if _, err := s.Get(context.Background(), "broken"); !errors.Is(err, event.ErrCorruptHotEvent) {
		t.Fatalf("got %v, want ErrCorruptHotEvent", err)
	}
}

func TestDueIDsOrderAndLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, spec := range []struct {
		id  string
		at  time.Time
	}{
		{"future", now.Add(time.Hour)},
		{"late", now.Add(-10 * time.Second)},
		{"later", now.Add(-30 * time.Second)},
	} {
		if err := s.Put(ctx, hotEvent(spec.id, spec.at)); err != nil {
			t.Fatalf("Put %s: %v", spec.id, err)
		}
	}

	due, err := s.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueIDs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due ids, want 2: %v", len(due), due)
	}
	if due[0] != "later" || due[1] != "late" {
		t.Fatalf("due ids out of order: %v", due)
	}

	one, err := s.DueIDs(ctx, now, 1)
	if err != nil {
		t.Fatalf("DueIDs limit: %v", err)
	}
	if len(one) != 1 || one[0] != "later" {
		t.Fatalf("limited due ids = %v", one)
	}
}

func TestTryLockUnlock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := event.HotEventID("h-1")

	ok, err := s.TryLock(ctx, id, "token-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}

	ok, err = s.TryLock(ctx, id, "token-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second TryLock must lose: ok=%v err=%v", ok, err)
	}

	// the wrong token must not release the lock
	if err := s.Unlock(ctx, id, "token-b"); err != nil {
		t.Fatalf("Unlock wrong token: %v", err)
	}
	held, err := s.LockExists(ctx, id)
	if err != nil || !held {
		t.Fatalf("lock should survive a foreign unlock: held=%v err=%v", held, err)
	}

	if err := s.Unlock(ctx, id, "token-a"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	held, err = s.LockExists(ctx, id)
	if err != nil || held {
		t.Fatalf("lock should be gone: held=%v err=%v", held, err)
	}

	ok, err = s.TryLock(ctx, id, "token-c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("relock after unlock: ok=%v err=%v", ok, err)
	}
}

func TestClaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	he := hotEvent("h-1", now)
	if err := s.Put(ctx, he); err != nil {
		t.Fatalf("Put: %v", err)
	}

	claimed, err := s.Claim(ctx, he.ID, "node-1", now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != event.HotReserved || claimed.ReservedBy != "node-1" {
		t.Fatalf("claim mismatch: %+v", claimed)
	}

	if _, err := s.Claim(ctx, he.ID, "node-2", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("second claim = %v, want ErrClaimLost", err)
	}

	if _, err := s.Claim(ctx, "missing", "node-1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim of missing = %v, want ErrNotFound", err)
	}
}

func TestMarkTerminalRemovesFromIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	he := hotEvent("h-1", now.Add(-time.Second))
	if err := s.Put(ctx, he); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.MarkTerminal(ctx, he, event.HotCompleted, "", now); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	due, err := s.DueIDs(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueIDs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("terminal event still due: %v", due)
	}

	// value record stays readable for idempotency checks
	got, err := s.Get(ctx, he.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != event.HotCompleted || got.CompletedAt == nil {
		t.Fatalf("terminal record mismatch: %+v", got)
	}
}

func TestRequeue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	he := hotEvent("h-1", now)
	if err := s.Put(ctx, he); err != nil {
		t.Fatalf("Put: %v", err)
	}
	claimed, err := s.Claim(ctx, he.ID, "node-1", now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	nextAt := now.Add(2 * time.Minute)
	if err := s.Requeue(ctx, claimed, nextAt, "broker down"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	got, err := s.Get(ctx, he.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != event.HotPending || got.RetryCount != 1 || got.Error != "broker down" {
		t.Fatalf("requeued record mismatch: %+v", got)
	}
	if got.ReservedAt != nil || got.ReservedBy != "" {
		t.Fatal("requeue must clear the reservation")
	}

	due, err := s.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueIDs now: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("requeued event due too early: %v", due)
	}

	due, err = s.DueIDs(ctx, nextAt, 10)
	if err != nil {
		t.Fatalf("DueIDs nextAt: %v", err)
	}
	if len(due) != 1 || due[0] != he.ID {
		t.Fatalf("requeued event not due at nextAt: %v", due)
	}
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	he := hotEvent("h-1", now)
	if err := s.Put(ctx, he); err != nil {
		t.Fatalf("Put: %v", err)
	}
	claimed, err := s.Claim(ctx, he.ID, "node-1", now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := s.Release(ctx, claimed); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := s.Get(ctx, he.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != event.HotPending || got.RetryCount != 0 {
		t.Fatalf("release must not count a retry: %+v", got)
	}
}

func TestHealthBuckets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, spec := range []struct {
		id string
		at time.Time
	}{
		{"overdue", now.Add(-5 * time.Minute)},
		{"ready", now.Add(-10 * time.Second)},
		{"future", now.Add(time.Hour)},
	} {
		if err := s.Put(ctx, hotEvent(spec.id, spec.at)); err != nil {
			t.Fatalf("Put %s: %v", spec.id, err)
		}
	}

	h, err := s.Health(ctx, now)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Overdue != 1 || h.Ready != 1 || h.Future != 1 || h.Total != 3 {
		t.Fatalf("unexpected buckets: %+v", h)
	}
	if h.OldestDue == nil || !h.OldestDue.Equal(now.Add(-5*time.Minute)) {
		t.Fatalf("oldest due = %v, want the overdue fire time", h.OldestDue)
	}
}

func TestHealthEmptyIndex(t *testing.T) {
	s, _ := newTestStore(t)

	h, err := s.Health(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Total != 0 || h.OldestDue != nil {
		t.Fatalf("empty index health mismatch: %+v", h)
	}
}

func TestSweepOrphans(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// a healthy old record and an index entry whose value expired
	healthy := hotEvent("healthy", now.Add(-10*time.Minute))
	if err := s.Put(ctx, healthy); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.ZAdd("hot_events_index", float64(now.Add(-10*time.Minute).Unix()), "orphan")

	removed, err := s.SweepOrphans(ctx, now, 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}

	due, err := s.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueIDs: %v", err)
	}
	if len(due) != 1 || due[0] != healthy.ID {
		t.Fatalf("healthy entry must survive the sweep: %v", due)
	}
}

func TestReindexLost(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// a live value record whose index member vanished
	lost := hotEvent("lost", now.Add(-time.Minute))
	if err := s.Put(ctx, lost); err != nil {
		t.Fatalf("Put lost: %v", err)
	}
	if _, err := mr.ZRem("hot_events_index", "lost"); err != nil {
		t.Fatalf("zrem: %v", err)
	}

	// terminal records live without an index entry until TTL
	done := hotEvent("done", now.Add(-time.Minute))
	if err := s.Put(ctx, done); err != nil {
		t.Fatalf("Put done: %v", err)
	}
	if err := s.MarkTerminal(ctx, done, event.HotCompleted, "", now); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	// a healthy record must keep its original score
	if err := s.Put(ctx, hotEvent("healthy", now.Add(time.Hour))); err != nil {
		t.Fatalf("Put healthy: %v", err)
	}

	due, err := s.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueIDs before: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("the lost record must be invisible before the sweep: %v", due)
	}

	restored, err := s.ReindexLost(ctx, 100)
	if err != nil {
		t.Fatalf("ReindexLost: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored %d, want 1", restored)
	}

	due, err = s.DueIDs(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueIDs after: %v", err)
	}
	if len(due) != 1 || due[0] != lost.ID {
		t.Fatalf("due after sweep = %v, want just %s", due, lost.ID)
	}

	// the restored score is the fire time, not the sweep time
	score, err := mr.ZScore("hot_events_index", "lost")
	if err != nil {
		t.Fatalf("zscore: %v", err)
	}
	if int64(score) != lost.ScheduledAt.Unix() {
		t.Fatalf("restored score = %v, want %d", score, lost.ScheduledAt.Unix())
	}

	// second pass finds nothing left to repair
	restored, err = s.ReindexLost(ctx, 100)
	if err != nil {
		t.Fatalf("second ReindexLost: %v", err)
	}
	if restored != 0 {
		t.Fatalf("second pass restored %d, want 0", restored)
	}
}

func TestStaleReservations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// reserved long ago: its dispatcher died
	dead := hotEvent("dead", now.Add(-5*time.Minute))
	if err := s.Put(ctx, dead); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Claim(ctx, dead.ID, "node-1", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// freshly reserved: still in flight
	live := hotEvent("live", now.Add(-time.Minute))
	if err := s.Put(ctx, live); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Claim(ctx, live.ID, "node-2", now); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// pending, never claimed
	if err := s.Put(ctx, hotEvent("pending", now.Add(-time.Minute))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stale, err := s.StaleReservations(ctx, now, 30*time.Second, 100)
	if err != nil {
		t.Fatalf("StaleReservations: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != dead.ID {
		t.Fatalf("stale reservations = %+v, want just %s", stale, dead.ID)
	}
}
