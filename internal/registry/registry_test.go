package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkravets/eventsched/internal/domain/schedule"
)

type fakeStore struct {
	upserts []schedule.CronDefinition
}

func (s *fakeStore) UpsertFromManifest(_ context.Context, d schedule.CronDefinition, syncedAt time.Time) (schedule.CronDefinition, error) {
	sync := syncedAt
	d.LastSyncAt = &sync
	s.upserts = append(s.upserts, d)
	return d, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSync(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = orig }()

	store := &fakeStore{}
	reg := New(store, discardLogger())

	m, err := ParseManifest([]byte(validManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	n, err := reg.Sync(context.Background(), m)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 || len(store.upserts) != 2 {
		t.Fatalf("synced %d, upserted %d, want 2", n, len(store.upserts))
	}

	first := store.upserts[0]
	if first.Status != schedule.StatusActive {
		t.Fatalf("status = %s, want active", first.Status)
	}
	if first.NextFireAt == nil {
		t.Fatal("next fire must be precomputed at sync")
	}
	want := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if !first.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", first.NextFireAt, want)
	}

	if first.MaxRetries != 5 {
		t.Fatalf("maxRetries = %d, want 5", first.MaxRetries)
	}
	if second := store.upserts[1]; second.MaxRetries != defaultMaxRetries {
		t.Fatalf("unset maxRetries = %d, want default %d", second.MaxRetries, defaultMaxRetries)
	}
}

func TestSyncFileMissingPathIsNoop(t *testing.T) {
	reg := New(&fakeStore{}, discardLogger())

	n, err := reg.SyncFile(context.Background(), "")
	if err != nil || n != 0 {
		t.Fatalf("empty path: n=%d err=%v, want 0 nil", n, err)
	}
}

func TestSyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	if err := os.WriteFile(path, []byte(validManifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	store := &fakeStore{}
	reg := New(store, discardLogger())

	n, err := reg.SyncFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SyncFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("synced %d, want 2", n)
	}
}

func TestSyncFileUnreadable(t *testing.T) {
	reg := New(&fakeStore{}, discardLogger())

	if _, err := reg.SyncFile(context.Background(), "/nonexistent/schedules.yaml"); err == nil {
		t.Fatal("missing file must error")
	}
}
