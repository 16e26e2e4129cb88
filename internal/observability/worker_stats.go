package observability

import (
	"sync/atomic"
	"time"
)

// WorkerStats tracks one worker's ticks with lock-free counters; the
// snapshot feeds the status endpoint without touching Prometheus internals.
type WorkerStats struct {
	ticks   atomic.Uint64
	skipped atomic.Uint64
	items   atomic.Uint64
	errors  atomic.Uint64

	lastTickUnixNano atomic.Int64

	// duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewWorkerStats() *WorkerStats {
	return &WorkerStats{}
}

func (m *WorkerStats) IncSkipped() { m.skipped.Add(1) }

func (m *WorkerStats) AddItems(n int) {
	if n > 0 {
		m.items.Add(uint64(n))
	}
}

func (m *WorkerStats) IncErrors() { m.errors.Add(1) }

func (m *WorkerStats) TickDone(at time.Time, d time.Duration) {
	m.ticks.Add(1)
	m.lastTickUnixNano.Store(at.UnixNano())

	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	// max update
	for {
		curr := m.durationMax.Load()
		if ns <= curr {
			return
		}
		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type WorkerStatsSnapshot struct {
	Ticks           uint64
	Skipped         uint64
	Items           uint64
	Errors          uint64
	LastTick        time.Time
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

func (m *WorkerStats) Snapshot() WorkerStatsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	var last time.Time
	if ns := m.lastTickUnixNano.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return WorkerStatsSnapshot{
		Ticks:           m.ticks.Load(),
		Skipped:         m.skipped.Load(),
		Items:           m.items.Load(),
		Errors:          m.errors.Load(),
		LastTick:        last,
		AverageDuration: avg,
		MaxDuration:     max2dur(max),
	}
}

func max2dur(ns int64) time.Duration { return time.Duration(ns) }
