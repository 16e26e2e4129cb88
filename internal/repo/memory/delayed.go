package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
)

// DelayedStore is an in-memory columnar-tier store for tests.
type DelayedStore struct {
	mu   sync.Mutex
	byID map[event.EventID]event.DelayedEvent
}

func NewDelayedStore() *DelayedStore {
	return &DelayedStore{byID: make(map[event.EventID]event.DelayedEvent)}
}

func (s *DelayedStore) Insert(_ context.Context, e event.DelayedEvent) (event.DelayedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = event.EventID(uuid.NewString())
	}
	if e.Status == "" {
		e.Status = event.StatusPending
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.byID[e.ID] = e
	return e, nil
}

func (s *DelayedStore) Get(_ context.Context, id event.EventID) (event.DelayedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return event.DelayedEvent{}, event.ErrNotFound
	}
	return e, nil
}

func (s *DelayedStore) RangeDue(_ context.Context, cutoff time.Time, limit int) ([]event.DelayedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.DelayedEvent
	for _, e := range s.byID {
		if e.Status == event.StatusPending && !e.ScheduledAt.After(cutoff) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DelayedStore) MarkPromoted(_ context.Context, id event.EventID, hotKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.Status != event.StatusPending {
		return event.ErrConflict
	}
	pt := at
	e.Status = event.StatusPromoted
	e.PromotedAt = &pt
	e.PromotedKey = hotKey
	e.UpdatedAt = time.Now().UTC()
	s.byID[id] = e
	return nil
}

func (s *DelayedStore) CancelPending(_ context.Context, id event.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return event.ErrNotFound
	}
	if e.Status != event.StatusPending {
		return event.ErrConflict
	}
	delete(s.byID, id)
	return nil
}

func (s *DelayedStore) FinishPromoted(_ context.Context, id event.EventID, status event.Status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.Status != event.StatusPromoted {
		return nil
	}
	ct := at
	e.Status = status
	e.Error = errMsg
	e.CompletedAt = &ct
	e.UpdatedAt = time.Now().UTC()
	s.byID[id] = e
	return nil
}

func (s *DelayedStore) MarkError(_ context.Context, id event.EventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return event.ErrNotFound
	}
	switch e.Status {
	case event.StatusCompleted, event.StatusError, event.StatusSkipped:
		return event.ErrNotFound
	}
	now := time.Now().UTC()
	e.Status = event.StatusError
	e.Error = errMsg
	e.CompletedAt = &now
	e.UpdatedAt = now
	s.byID[id] = e
	return nil
}

func (s *DelayedStore) Replay(_ context.Context, id event.EventID, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.Status != event.StatusError {
		return event.ErrConflict
	}
	e.Status = event.StatusPending
	e.ScheduledAt = scheduledAt
	e.RetryCount = 0
	e.Error = ""
	e.PromotedAt = nil
	e.PromotedKey = ""
	e.CompletedAt = nil
	e.UpdatedAt = time.Now().UTC()
	s.byID[id] = e
	return nil
}

func (s *DelayedStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for _, e := range s.byID {
		out[string(e.Status)]++
	}
	return out, nil
}

func (s *DelayedStore) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.byID {
		switch e.Status {
		case event.StatusCompleted, event.StatusError, event.StatusSkipped:
			if e.UpdatedAt.Before(before) {
				delete(s.byID, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *DelayedStore) StuckPromoted(_ context.Context, promotedBefore time.Time, limit int) ([]event.DelayedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.DelayedEvent
	for _, e := range s.byID {
		if e.Status == event.StatusPromoted && e.PromotedAt != nil && e.PromotedAt.Before(promotedBefore) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PromotedAt.Before(*out[j].PromotedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
