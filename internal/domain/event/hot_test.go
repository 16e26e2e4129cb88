package event

import (
	"errors"
	"testing"
	"time"
)

func TestHotEventStale(t *testing.T) {
	sched := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := HotEvent{ScheduledAt: sched, MaxDelaySeconds: 60}

	if e.Stale(sched.Add(30 * time.Second)) {
		t.Fatal("inside the delay window should not be stale")
	}
	if e.Stale(sched.Add(60 * time.Second)) {
		t.Fatal("exactly at the boundary should not be stale")
	}
	if !e.Stale(sched.Add(61 * time.Second)) {
		t.Fatal("past the window should be stale")
	}

	// no max delay means never stale
	unlimited := HotEvent{ScheduledAt: sched}
	if unlimited.Stale(sched.Add(365 * 24 * time.Hour)) {
		t.Fatal("zero max delay must never go stale")
	}
}

func TestStaleIsFatal(t *testing.T) {
	cases := []struct {
		headers map[string]string
		want    bool
	}{
		{nil, false},
		{map[string]string{HeaderStaleFatal: "true"}, true},
		{map[string]string{HeaderStaleFatal: "1"}, true},
		{map[string]string{HeaderStaleFatal: "false"}, false},
		{map[string]string{"other": "true"}, false},
	}
	for _, tc := range cases {
		e := HotEvent{Headers: tc.headers}
		if got := e.StaleIsFatal(); got != tc.want {
			t.Errorf("StaleIsFatal with %v = %v, want %v", tc.headers, got, tc.want)
		}
	}
}

func TestEncodeDecodeHot(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	in := HotEvent{
		ID:             "h-1",
		DelayedEventID: "d-1",
		Topic:          "orders",
		EntityType:     "order",
		Action:         "expire",
		Payload:        []byte(`{"orderId":42}`),
		Headers:        map[string]string{"k": "v"},
		CorrelationID:  "c-1",
		ScheduledAt:    now,
		Status:         HotPending,
		CQueueMS:       1500,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	b, err := EncodeHot(in)
	if err != nil {
		t.Fatalf("EncodeHot: %v", err)
	}
	out, err := DecodeHot(b)
	if err != nil {
		t.Fatalf("DecodeHot: %v", err)
	}
	if out.ID != in.ID || out.DelayedEventID != in.DelayedEventID || out.CQueueMS != in.CQueueMS {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.ScheduledAt.Equal(in.ScheduledAt) {
		t.Fatalf("scheduledAt %v != %v", out.ScheduledAt, in.ScheduledAt)
	}
}

func TestEncodeHotRejectsEmptyID(t *testing.T) {
	if _, err := EncodeHot(HotEvent{}); !errors.Is(err, ErrCorruptHotEvent) {
		t.Fatalf("got %v, want ErrCorruptHotEvent", err)
	}
}

func TestDecodeHotCorrupt(t *testing.T) {
	for _, b := range [][]byte{[]byte("{garbage"), []byte(`{"topic":"orders"}`)} {
		if _, err := DecodeHot(b); !errors.Is(err, ErrCorruptHotEvent) {
			t.Errorf("DecodeHot(%q) = %v, want ErrCorruptHotEvent", b, err)
		}
	}
}
