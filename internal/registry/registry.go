package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkravets/eventsched/internal/domain/schedule"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// defaultMaxRetries applies to entries that leave maxRetries unset.
const defaultMaxRetries = 3

// Store is the slice of the document tier the registry needs.
type Store interface {
	UpsertFromManifest(ctx context.Context, d schedule.CronDefinition, syncedAt time.Time) (schedule.CronDefinition, error)
}

// Registry syncs manifest-declared schedules into the document tier on
// startup. Sync refreshes manifest-owned fields only: bookkeeping and admin
// overrides always survive a re-sync.
type Registry struct {
	store Store
	log   *slog.Logger
}

func New(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, log: log}
}

// SyncFile loads and syncs the manifest at path. A missing path is a no-op:
// manifests are optional, API-created definitions stand on their own.
func (r *Registry) SyncFile(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}

	m, err := LoadManifest(path)
	if err != nil {
		return 0, err
	}
	return r.Sync(ctx, m)
}

func (r *Registry) Sync(ctx context.Context, m Manifest) (int, error) {
	now := timeNow()
	synced := 0

	for _, entry := range m.Schedules {
		next, err := schedule.NextFire(entry.Cron, entry.Timezone, now)
		if err != nil {
			// Validate catches these; a failure here means the tz database
			// changed under us
			r.log.Error("manifest entry rejected", "name", entry.Name, "error", err)
			continue
		}

		maxRetries := defaultMaxRetries
		if entry.MaxRetries != nil {
			maxRetries = *entry.MaxRetries
		}

		def := schedule.CronDefinition{
			Name:        entry.Name,
			Description: entry.Description,
			EntityType:  entry.EntityType,
			Action:      entry.Action,
			EntityID:    entry.EntityID,
			Payload:     entry.Payload,
			ActorType:   entry.ActorType,
			ActorID:     entry.ActorID,
			Headers:     entry.Headers,
			CronExpr:    entry.Cron,
			Timezone:    entry.Timezone,
			MaxRetries:  maxRetries,
			Status:      schedule.StatusActive,
			NextFireAt:  &next,
		}

		stored, err := r.store.UpsertFromManifest(ctx, def, now)
		if err != nil {
			r.log.Error("manifest sync failed", "name", entry.Name, "error", err)
			return synced, err
		}

		synced++
		r.log.Info("schedule synced",
			"name", stored.Name,
			"cron", stored.EffectiveCron(),
			"status", string(stored.EffectiveStatus()),
			"next_fire", stored.NextFireAt,
		)
	}
	return synced, nil
}
