package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkravets/eventsched/internal/domain/schedule"
)

// Manifest is the YAML file declaring recurring schedules. It is the source
// of truth for definition config; admin overrides layer on top in the store.
type Manifest struct {
	Schedules []ManifestEntry `yaml:"schedules"`
}

type ManifestEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	EntityType string `yaml:"entityType"`
	Action     string `yaml:"action"`
	EntityID   string `yaml:"entityId"`
	Payload    string `yaml:"payload"`
	ActorType  string `yaml:"actorType"`
	ActorID    string `yaml:"actorId"`

	Headers map[string]string `yaml:"headers"`

	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`

	// nil means the default (3); an explicit 0 disables retries.
	MaxRetries *int `yaml:"maxRetries"`
}

func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(b)
}

func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Schedules))

	for i, entry := range m.Schedules {
		if entry.Name == "" {
			return fmt.Errorf("manifest entry %d: name is required", i)
		}
		if seen[entry.Name] {
			return fmt.Errorf("manifest entry %q: duplicate name", entry.Name)
		}
		seen[entry.Name] = true

		if entry.EntityType == "" || entry.Action == "" {
			return fmt.Errorf("manifest entry %q: entityType and action are required", entry.Name)
		}
		if entry.Payload == "" {
			return fmt.Errorf("manifest entry %q: payload is required", entry.Name)
		}
		if _, err := schedule.ParseCron(entry.Cron); err != nil {
			return fmt.Errorf("manifest entry %q: %w", entry.Name, err)
		}
		if entry.Timezone != "" {
			if _, err := schedule.NextFire(entry.Cron, entry.Timezone, timeNow()); err != nil {
				return fmt.Errorf("manifest entry %q: %w", entry.Name, err)
			}
		}
	}
	return nil
}
