package observability

import (
	"testing"
	"time"
)

func TestWorkerStatsSnapshot(t *testing.T) {
	s := NewWorkerStats()

	at := time.Now()
	s.AddItems(3)
	s.TickDone(at, 10*time.Millisecond)
	s.AddItems(2)
	s.TickDone(at.Add(time.Second), 30*time.Millisecond)
	s.IncErrors()
	s.IncSkipped()

	snap := s.Snapshot()
	if snap.Ticks != 2 || snap.Items != 5 || snap.Errors != 1 || snap.Skipped != 1 {
		t.Fatalf("counters mismatch: %+v", snap)
	}
	if snap.AverageDuration != 20*time.Millisecond {
		t.Fatalf("avg = %v, want 20ms", snap.AverageDuration)
	}
	if snap.MaxDuration != 30*time.Millisecond {
		t.Fatalf("max = %v, want 30ms", snap.MaxDuration)
	}
	if !snap.LastTick.Equal(at.Add(time.Second)) {
		t.Fatalf("last tick = %v", snap.LastTick)
	}
}

func TestWorkerStatsZeroValue(t *testing.T) {
	snap := NewWorkerStats().Snapshot()
	if snap.Ticks != 0 || snap.AverageDuration != 0 || !snap.LastTick.IsZero() {
		t.Fatalf("zero stats mismatch: %+v", snap)
	}
}

func TestWorkerStatsIgnoresNonPositiveItems(t *testing.T) {
	s := NewWorkerStats()
	s.AddItems(0)
	s.AddItems(-4)
	if snap := s.Snapshot(); snap.Items != 0 {
		t.Fatalf("items = %d, want 0", snap.Items)
	}
}
