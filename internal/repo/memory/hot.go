package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

type hotEntry struct {
	e     event.HotEvent
	score time.Time
	// index membership; terminal records keep their value but leave the index
	indexed bool
}

// HotStore is an in-memory key-value-tier store for tests. It mirrors the
// redisq.Store surface including per-id claim locks.
type HotStore struct {
	mu      sync.Mutex
	entries map[event.HotEventID]*hotEntry
	locks   map[event.HotEventID]lockEntry

	// FailPuts makes the next N Put calls fail, for error-path tests.
	FailPuts int
}

type lockEntry struct {
	token string
	until time.Time
}

func NewHotStore() *HotStore {
	return &HotStore{
		entries: make(map[event.HotEventID]*hotEntry),
		locks:   make(map[event.HotEventID]lockEntry),
	}
}

func (s *HotStore) Put(_ context.Context, e event.HotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPuts > 0 {
		s.FailPuts--
		return errors.New("hot tier unavailable")
	}

	s.entries[e.ID] = &hotEntry{e: e, score: e.ScheduledAt, indexed: true}
	return nil
}

func (s *HotStore) Get(_ context.Context, id event.HotEventID) (event.HotEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return event.HotEvent{}, redisq.ErrNotFound
	}
	return entry.e, nil
}

func (s *HotStore) Delete(_ context.Context, id event.HotEventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

func (s *HotStore) DueIDs(_ context.Context, now time.Time, limit int) ([]event.HotEventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		id    event.HotEventID
		score time.Time
	}
	var dues []due
	for id, entry := range s.entries {
		if entry.indexed && !entry.score.After(now) {
			dues = append(dues, due{id: id, score: entry.score})
		}
	}
	sort.Slice(dues, func(i, j int) bool {
		if dues[i].score.Equal(dues[j].score) {
			return dues[i].id < dues[j].id
		}
		return dues[i].score.Before(dues[j].score)
	})

	var out []event.HotEventID
	for _, d := range dues {
		out = append(out, d.id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *HotStore) TryLock(_ context.Context, id event.HotEventID, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, ok := s.locks[id]; ok && l.until.After(now) {
		return false, nil
	}
	s.locks[id] = lockEntry{token: token, until: now.Add(ttl)}
	return true, nil
}

func (s *HotStore) Unlock(_ context.Context, id event.HotEventID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[id]; ok && l.token == token {
		delete(s.locks, id)
	}
	return nil
}

func (s *HotStore) LockExists(_ context.Context, id event.HotEventID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	return ok && l.until.After(time.Now()), nil
}

func (s *HotStore) Claim(_ context.Context, id event.HotEventID, node string, at time.Time) (event.HotEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return event.HotEvent{}, redisq.ErrNotFound
	}
	if entry.e.Status != event.HotPending {
		return event.HotEvent{}, redisq.ErrClaimLost
	}

	reserved := at
	entry.e.Status = event.HotReserved
	entry.e.ReservedAt = &reserved
	entry.e.ReservedBy = node
	entry.e.UpdatedAt = at
	return entry.e, nil
}

func (s *HotStore) MarkTerminal(_ context.Context, e event.HotEvent, status event.HotStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[e.ID]
	if !ok {
		entry = &hotEntry{}
		s.entries[e.ID] = entry
	}
	done := at
	e.Status = status
	e.Error = errMsg
	e.CompletedAt = &done
	e.UpdatedAt = at
	entry.e = e
	entry.indexed = false
	return nil
}

func (s *HotStore) Requeue(_ context.Context, e event.HotEvent, nextAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Status = event.HotPending
	e.RetryCount++
	e.Error = lastErr
	e.ReservedAt = nil
	e.ReservedBy = ""
	e.UpdatedAt = time.Now().UTC()
	s.entries[e.ID] = &hotEntry{e: e, score: nextAt, indexed: true}
	return nil
}

func (s *HotStore) Release(_ context.Context, e event.HotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[e.ID]
	if !ok {
		return redisq.ErrNotFound
	}
	e.Status = event.HotPending
	e.ReservedAt = nil
	e.ReservedBy = ""
	entry.e = e
	return nil
}

func (s *HotStore) Health(_ context.Context, now time.Time) (redisq.QueueHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h redisq.QueueHealth
	for _, entry := range s.entries {
		if !entry.indexed {
			continue
		}
		h.Total++
		switch {
		case entry.score.Before(now.Add(-time.Minute)):
			h.Overdue++
		case !entry.score.After(now):
			h.Ready++
		default:
			h.Future++
		}
		if h.OldestDue == nil || entry.score.Before(*h.OldestDue) {
			oldest := entry.score
			h.OldestDue = &oldest
		}
	}
	return h, nil
}

func (s *HotStore) SweepOrphans(_ context.Context, _ time.Time, _ time.Duration, _ int) (int, error) {
	return 0, nil
}

func (s *HotStore) ReindexLost(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, entry := range s.entries {
		if entry.indexed {
			continue
		}
		if entry.e.Status != event.HotPending && entry.e.Status != event.HotReserved {
			continue
		}
		entry.indexed = true
		entry.score = entry.e.ScheduledAt
		restored++
		if limit > 0 && restored >= limit {
			break
		}
	}
	return restored, nil
}

// Deindex drops the index membership of one record, simulating a lost
// sorted-set entry.
func (s *HotStore) Deindex(id event.HotEventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		entry.indexed = false
	}
}

func (s *HotStore) StaleReservations(_ context.Context, now time.Time, claimTTL time.Duration, limit int) ([]event.HotEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.HotEvent
	for _, entry := range s.entries {
		e := entry.e
		if e.Status != event.HotReserved || e.ReservedAt == nil {
			continue
		}
		if now.Sub(*e.ReservedAt) > claimTTL {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ExpireLocks drops all claim locks, simulating TTL expiry after a crash.
func (s *HotStore) ExpireLocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = make(map[event.HotEventID]lockEntry)
}
