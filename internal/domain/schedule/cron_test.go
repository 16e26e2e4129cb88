package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{"* * * * *", "*/5 * * * *", "0 3 * * 1", "@hourly", "@daily"}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) = %v", expr, err)
		}
	}

	invalid := []string{"", "not a cron", "61 * * * *", "* * * *", "* * * * * *"}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("ParseCron(%q) = %v, want ErrInvalidCron", expr, err)
		}
	}
}

func TestNextFire(t *testing.T) {
	after := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextFire("0 * * * *", "", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Fatal("next fire must be returned in UTC")
	}
}

func TestNextFireStrictlyAfter(t *testing.T) {
	// exactly on a slot boundary: the slot itself does not count
	after := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	next, err := NextFire("0 * * * *", "", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("next %v must be strictly after %v", next, after)
	}
}

func TestNextFireSkipsMissedSlots(t *testing.T) {
	// after an outage, the next fire is computed from now, never from the
	// missed slots
	after := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextFire("*/10 * * * *", "", after.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if !next.After(after.Add(3 * time.Hour)) {
		t.Fatalf("next %v lands inside the outage window", next)
	}
}

func TestNextFireTimezone(t *testing.T) {
	// 03:00 New York is 08:00 or 07:00 UTC depending on DST
	after := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	next, err := NextFire("0 3 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireUnknownTimezone(t *testing.T) {
	_, err := NextFire("* * * * *", "Mars/Olympus_Mons", time.Now())
	if !errors.Is(err, ErrUnknownTimezone) {
		t.Fatalf("got %v, want ErrUnknownTimezone", err)
	}
}

func TestEffectiveFields(t *testing.T) {
	override := "*/2 * * * *"
	payload := `{"override":true}`
	paused := StatusPaused

	d := CronDefinition{
		CronExpr: "0 * * * *",
		Payload:  `{"base":true}`,
		Status:   StatusActive,
	}
	if d.EffectiveCron() != "0 * * * *" || d.EffectivePayload() != `{"base":true}` || d.EffectiveStatus() != StatusActive {
		t.Fatal("effective fields must fall back to base values")
	}

	d.OverrideCron = &override
	d.OverridePayload = &payload
	d.OverrideStatus = &paused
	if d.EffectiveCron() != override {
		t.Fatalf("EffectiveCron = %q", d.EffectiveCron())
	}
	if d.EffectivePayload() != payload {
		t.Fatalf("EffectivePayload = %q", d.EffectivePayload())
	}
	if d.EffectiveStatus() != StatusPaused {
		t.Fatalf("EffectiveStatus = %q", d.EffectiveStatus())
	}
}
