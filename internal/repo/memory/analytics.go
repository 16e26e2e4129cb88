package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
)

// AnalyticsStore collects analytics rows for assertions in tests.
type AnalyticsStore struct {
	mu   sync.Mutex
	rows []event.AnalyticsRow
}

func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{}
}

func (s *AnalyticsStore) Insert(_ context.Context, row event.AnalyticsRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *AnalyticsStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []event.AnalyticsRow
	var removed int64
	for _, row := range s.rows {
		if row.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return removed, nil
}

func (s *AnalyticsStore) Rows() []event.AnalyticsRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]event.AnalyticsRow, len(s.rows))
	copy(out, s.rows)
	return out
}
