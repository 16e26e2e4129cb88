package redisq

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/observability"
)

const (
	valueKeyPrefix = "hot_event:"
	lockKeyPrefix  = "hot_event_lock:"
	indexKey       = "hot_events_index"

	// A value record outlives its fire time by this much so late dispatchers
	// and the janitor can still see it.
	valueTTLSlack = 2 * time.Hour

	// Terminal records stay visible briefly for idempotency checks, then
	// expire on their own.
	terminalTTL = time.Hour
)

var (
	ErrNotFound = errors.New("hot event not found")
	// ErrClaimLost is returned when a CAS on the event status fails: another
	// dispatcher, or the janitor, got there first.
	ErrClaimLost = errors.New("hot event claim lost")
)

// unlockScript releases a claim lock only if the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store is the key-value hot tier: one value record per event, a sorted
// index scored by fire time, and short-lived claim locks.
type Store struct {
	rdb  *redis.Client
	prom *observability.Prom
}

func NewStore(client *Client, prom *observability.Prom) *Store {
	return &Store{rdb: client.Raw(), prom: prom}
}

func (s *Store) observe(op string, fn func() error) error {
	if s.prom != nil {
		return s.prom.ObserveKV(op, fn)
	}
	return fn()
}

func valueKey(id event.HotEventID) string { return valueKeyPrefix + string(id) }
func lockKey(id event.HotEventID) string  { return lockKeyPrefix + string(id) }

// Put writes the value record and indexes it by fire time. The value TTL is
// sized off the fire time so a record never expires while still dispatchable.
func (s *Store) Put(ctx context.Context, e event.HotEvent) error {
	b, err := event.EncodeHot(e)
	if err != nil {
		return err
	}

	ttl := time.Until(e.ScheduledAt) + valueTTLSlack
	if ttl < valueTTLSlack {
		ttl = valueTTLSlack
	}

	return s.observe("hot.put", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, valueKey(e.ID), b, ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(e.ScheduledAt.Unix()),
			Member: string(e.ID),
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Store) Get(ctx context.Context, id event.HotEventID) (event.HotEvent, error) {
	var e event.HotEvent

	err := s.observe("hot.get", func() error {
		b, err := s.rdb.Get(ctx, valueKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		e, err = event.DecodeHot(b)
		return err
	})
	if err != nil {
		return event.HotEvent{}, err
	}
	return e, nil
}

// update rewrites the value record in place, keeping its TTL.
func (s *Store) update(ctx context.Context, e event.HotEvent) error {
	b, err := event.EncodeHot(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, valueKey(e.ID), b, redis.KeepTTL).Err()
}

func (s *Store) Delete(ctx context.Context, id event.HotEventID) error {
	return s.observe("hot.delete", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, valueKey(id))
		pipe.ZRem(ctx, indexKey, string(id))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DueIDs returns ids whose index score has passed, oldest first.
func (s *Store) DueIDs(ctx context.Context, now time.Time, limit int) ([]event.HotEventID, error) {
	if limit <= 0 {
		limit = 100
	}

	var members []string
	err := s.observe("hot.due_ids", func() error {
		var err error
		members, err = s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   score(now),
			Count: int64(limit),
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]event.HotEventID, 0, len(members))
	for _, m := range members {
		out = append(out, event.HotEventID(m))
	}
	return out, nil
}

func score(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// TryLock takes the per-event claim lock. Returns false without error when
// another node already holds it.
func (s *Store) TryLock(ctx context.Context, id event.HotEventID, token string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.observe("hot.lock", func() error {
		var err error
		ok, err = s.rdb.SetNX(ctx, lockKey(id), token, ttl).Result()
		return err
	})
	return ok, err
}

// Unlock releases the claim lock if token still owns it. Losing the lock to
// expiry is not an error; the janitor handles whatever was left behind.
func (s *Store) Unlock(ctx context.Context, id event.HotEventID, token string) error {
	return s.observe("hot.unlock", func() error {
		return unlockScript.Run(ctx, s.rdb, []string{lockKey(id)}, token).Err()
	})
}

func (s *Store) LockExists(ctx context.Context, id event.HotEventID) (bool, error) {
	var n int64
	err := s.observe("hot.lock_exists", func() error {
		var err error
		n, err = s.rdb.Exists(ctx, lockKey(id)).Result()
		return err
	})
	return n > 0, err
}

// Claim transitions pending -> reserved for the calling node. The caller
// must hold the claim lock. Non-pending records mean another worker already
// owns or finished the event.
func (s *Store) Claim(ctx context.Context, id event.HotEventID, node string, at time.Time) (event.HotEvent, error) {
	var e event.HotEvent

	err := s.observe("hot.claim", func() error {
		var err error
		e, err = s.Get(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != event.HotPending {
			return ErrClaimLost
		}

		e.Status = event.HotReserved
		e.ReservedAt = &at
		e.ReservedBy = node
		e.UpdatedAt = at
		return s.update(ctx, e)
	})
	if err != nil {
		return event.HotEvent{}, err
	}
	return e, nil
}

// MarkTerminal records the final status, shortens the value TTL, and drops
// the index entry so the id never surfaces as due again.
func (s *Store) MarkTerminal(ctx context.Context, e event.HotEvent, status event.HotStatus, errMsg string, at time.Time) error {
	e.Status = status
	e.Error = errMsg
	e.CompletedAt = &at
	e.UpdatedAt = at

	b, err := event.EncodeHot(e)
	if err != nil {
		return err
	}

	return s.observe("hot.mark_terminal", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, valueKey(e.ID), b, terminalTTL)
		pipe.ZRem(ctx, indexKey, string(e.ID))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Requeue schedules another dispatch attempt at nextAt: status back to
// pending, bumped retry count, index re-scored.
func (s *Store) Requeue(ctx context.Context, e event.HotEvent, nextAt time.Time, lastErr string) error {
	e.Status = event.HotPending
	e.RetryCount++
	e.Error = lastErr
	e.ReservedAt = nil
	e.ReservedBy = ""
	e.UpdatedAt = time.Now().UTC()

	b, err := event.EncodeHot(e)
	if err != nil {
		return err
	}

	return s.observe("hot.requeue", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, valueKey(e.ID), b, redis.KeepTTL)
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(nextAt.Unix()),
			Member: string(e.ID),
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Release puts a reserved record back to pending without counting a retry,
// used when a claim has to be abandoned before any publish attempt.
func (s *Store) Release(ctx context.Context, e event.HotEvent) error {
	e.Status = event.HotPending
	e.ReservedAt = nil
	e.ReservedBy = ""
	e.UpdatedAt = time.Now().UTC()

	return s.observe("hot.release", func() error {
		return s.update(ctx, e)
	})
}

// QueueHealth buckets the index by fire time relative to now.
type QueueHealth struct {
	Overdue int64 `json:"overdue"` // due more than a minute ago
	Ready   int64 `json:"ready"`   // due now
	Future  int64 `json:"future"`
	Total   int64 `json:"total"`

	// OldestDue is the fire time of the head of the index, nil when empty.
	OldestDue *time.Time `json:"oldestDue,omitempty"`
}

func (s *Store) Health(ctx context.Context, now time.Time) (QueueHealth, error) {
	var h QueueHealth

	err := s.observe("hot.health", func() error {
		overdueMax := score(now.Add(-time.Minute))
		nowMax := score(now)

		pipe := s.rdb.Pipeline()
		overdue := pipe.ZCount(ctx, indexKey, "-inf", overdueMax)
		ready := pipe.ZCount(ctx, indexKey, "-inf", nowMax)
		total := pipe.ZCard(ctx, indexKey)
		head := pipe.ZRangeWithScores(ctx, indexKey, 0, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		h.Overdue = overdue.Val()
		h.Ready = ready.Val() - overdue.Val()
		h.Total = total.Val()
		h.Future = total.Val() - ready.Val()
		if zs := head.Val(); len(zs) > 0 {
			oldest := time.Unix(int64(zs[0].Score), 0).UTC()
			h.OldestDue = &oldest
		}
		return nil
	})
	return h, err
}

// SweepOrphans removes index members whose value record has expired. Members
// are only eligible after a grace period past their fire time so a racing
// Put is never undone.
func (s *Store) SweepOrphans(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	var removed int
	err := s.observe("hot.sweep_orphans", func() error {
		members, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   score(now.Add(-grace)),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}

		for _, m := range members {
			n, err := s.rdb.Exists(ctx, valueKeyPrefix+m).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.rdb.ZRem(ctx, indexKey, m).Err(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// ReindexLost walks the value keyspace and re-inserts index entries for live
// records whose index member went missing, the inverse of SweepOrphans. A
// pending record without an index entry would otherwise never surface as due.
func (s *Store) ReindexLost(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	var restored int
	err := s.observe("hot.reindex_lost", func() error {
		var cursor uint64
		seen := 0
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, valueKeyPrefix+"*", 100).Result()
			if err != nil {
				return err
			}

			for _, k := range keys {
				id := event.HotEventID(k[len(valueKeyPrefix):])

				_, zerr := s.rdb.ZScore(ctx, indexKey, string(id)).Result()
				if zerr == nil {
					continue
				}
				if !errors.Is(zerr, redis.Nil) {
					return zerr
				}

				e, gerr := s.Get(ctx, id)
				if errors.Is(gerr, ErrNotFound) || errors.Is(gerr, event.ErrCorruptHotEvent) {
					continue
				}
				if gerr != nil {
					return gerr
				}
				if e.Status != event.HotPending && e.Status != event.HotReserved {
					// terminal records live without an index entry until TTL
					continue
				}

				if err := s.rdb.ZAdd(ctx, indexKey, redis.Z{
					Score:  float64(e.ScheduledAt.Unix()),
					Member: string(id),
				}).Err(); err != nil {
					return err
				}
				restored++
			}

			seen += len(keys)
			cursor = next
			if cursor == 0 || seen >= limit {
				return nil
			}
		}
	})
	return restored, err
}

// StaleReservations finds records stuck in reserved past the claim TTL, for
// the janitor to requeue.
func (s *Store) StaleReservations(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]event.HotEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	var out []event.HotEvent
	err := s.observe("hot.stale_reservations", func() error {
		members, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   score(now),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}

		for _, m := range members {
			e, err := s.Get(ctx, event.HotEventID(m))
			if errors.Is(err, ErrNotFound) || errors.Is(err, event.ErrCorruptHotEvent) {
				continue
			}
			if err != nil {
				return err
			}
			if e.Status != event.HotReserved || e.ReservedAt == nil {
				continue
			}
			if now.Sub(*e.ReservedAt) > claimTTL {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
