package engine

import (
	"context"
	"time"

	"github.com/mkravets/eventsched/internal/observability"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// WorkerStatus is one worker's slice of the status payload.
type WorkerStatus struct {
	Ticks      uint64    `json:"ticks"`
	Skipped    uint64    `json:"skipped"`
	Items      uint64    `json:"items"`
	Errors     uint64    `json:"errors"`
	LastTick   time.Time `json:"lastTick"`
	AvgTickMS  int64     `json:"avgTickMs"`
	MaxTickMS  int64     `json:"maxTickMs"`
}

// Status is the operational snapshot served by the monitoring surface.
type Status struct {
	Node string `json:"node"`

	Workers map[string]WorkerStatus `json:"workers"`

	ActiveDefinitions int64             `json:"activeDefinitions"`
	DelayedByStatus   map[string]int64  `json:"delayedByStatus"`
	HotQueue          redisq.QueueHealth `json:"hotQueue"`

	GeneratedAt time.Time `json:"generatedAt"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	now := e.now()

	st := Status{
		Node:        e.nodeID,
		Workers:     make(map[string]WorkerStatus, len(e.stats)),
		GeneratedAt: now,
	}

	for name, snap := range e.WorkerStats() {
		st.Workers[name] = workerStatus(snap)
	}

	active, err := e.defs.CountActive(ctx)
	if err != nil {
		return Status{}, err
	}
	st.ActiveDefinitions = active

	counts, err := e.delayed.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	st.DelayedByStatus = counts

	health, err := e.hot.Health(ctx, now)
	if err != nil {
		return Status{}, err
	}
	st.HotQueue = health

	return st, nil
}

func workerStatus(s observability.WorkerStatsSnapshot) WorkerStatus {
	return WorkerStatus{
		Ticks:     s.Ticks,
		Skipped:   s.Skipped,
		Items:     s.Items,
		Errors:    s.Errors,
		LastTick:  s.LastTick,
		AvgTickMS: s.AverageDuration.Milliseconds(),
		MaxTickMS: s.MaxDuration.Milliseconds(),
	}
}
