package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/schedule"
)

// DefinitionsStore is an in-memory document-tier store for tests.
type DefinitionsStore struct {
	mu         sync.Mutex
	byID       map[schedule.DefinitionID]schedule.CronDefinition
	executions []schedule.ExecutionRecord
}

func NewDefinitionsStore() *DefinitionsStore {
	return &DefinitionsStore{byID: make(map[schedule.DefinitionID]schedule.CronDefinition)}
}

func (s *DefinitionsStore) Create(_ context.Context, d schedule.CronDefinition) (schedule.CronDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = schedule.DefinitionID(uuid.NewString())
	}
	for _, existing := range s.byID {
		if existing.Name == d.Name {
			return schedule.CronDefinition{}, schedule.ErrDuplicateName
		}
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.byID[d.ID] = d
	return d, nil
}

func (s *DefinitionsStore) GetByID(_ context.Context, id schedule.DefinitionID) (schedule.CronDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return schedule.CronDefinition{}, schedule.ErrNotFound
	}
	return d, nil
}

func (s *DefinitionsStore) GetByName(_ context.Context, name string) (schedule.CronDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.byID {
		if d.Name == name {
			return d, nil
		}
	}
	return schedule.CronDefinition{}, schedule.ErrNotFound
}

func (s *DefinitionsStore) FindDue(_ context.Context, now time.Time, limit int) ([]schedule.CronDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schedule.CronDefinition
	for _, d := range s.byID {
		if d.EffectiveStatus() != schedule.StatusActive {
			continue
		}
		if d.NextFireAt == nil || d.NextFireAt.After(now) {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFireAt.Equal(*out[j].NextFireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextFireAt.Before(*out[j].NextFireAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DefinitionsStore) AdvanceBookkeeping(_ context.Context, id schedule.DefinitionID, lastFire time.Time, nextFire *time.Time, execErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return schedule.ErrNotFound
	}
	lf := lastFire
	d.LastFireAt = &lf
	d.NextFireAt = nextFire
	if execErr == "" {
		d.ExecCount++
		d.LastError = ""
	} else {
		d.ErrorCount++
		d.LastError = execErr
	}
	d.UpdatedAt = time.Now().UTC()
	s.byID[id] = d
	return nil
}

func (s *DefinitionsStore) SetNextFire(_ context.Context, id schedule.DefinitionID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return schedule.ErrNotFound
	}
	n := next
	d.NextFireAt = &n
	s.byID[id] = d
	return nil
}

func (s *DefinitionsStore) Disable(_ context.Context, id schedule.DefinitionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return schedule.ErrNotFound
	}
	d.Status = schedule.StatusDisabled
	d.LastError = reason
	d.ErrorCount++
	s.byID[id] = d
	return nil
}

func (s *DefinitionsStore) SetOverrides(_ context.Context, id schedule.DefinitionID, payload, cronExpr *string, status *schedule.DefinitionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return schedule.ErrNotFound
	}
	d.OverridePayload = payload
	d.OverrideCron = cronExpr
	d.OverrideStatus = status
	d.UpdatedAt = time.Now().UTC()
	s.byID[id] = d
	return nil
}

func (s *DefinitionsStore) AppendExecution(_ context.Context, rec schedule.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.executions = append(s.executions, rec)
	return nil
}

func (s *DefinitionsStore) ListExecutions(_ context.Context, id schedule.DefinitionID, limit int) ([]schedule.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schedule.ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].DefinitionID == id {
			out = append(out, s.executions[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *DefinitionsStore) DeleteExecutionsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []schedule.ExecutionRecord
	var removed int64
	for _, rec := range s.executions {
		if rec.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.executions = kept
	return removed, nil
}

func (s *DefinitionsStore) CountActive(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.byID {
		if d.EffectiveStatus() == schedule.StatusActive {
			n++
		}
	}
	return n, nil
}
