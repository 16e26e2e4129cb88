package schedule

import (
	"errors"
	"time"
)

type DefinitionID string

func (id DefinitionID) String() string { return string(id) }

type DefinitionStatus string

const (
	StatusActive    DefinitionStatus = "active"
	StatusPaused    DefinitionStatus = "paused"
	StatusDisabled  DefinitionStatus = "disabled"
	StatusCompleted DefinitionStatus = "completed"
)

func (s DefinitionStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusDisabled, StatusCompleted:
		return true
	}
	return false
}

type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomeFailure ExecutionOutcome = "failure"
	OutcomeSkipped ExecutionOutcome = "skipped"
)

var (
	ErrNotFound        = errors.New("cron definition not found")
	ErrDuplicateName   = errors.New("cron definition name already exists")
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrUnknownTimezone = errors.New("unknown timezone")
)

// CronDefinition is a recurring schedule stored in the document tier. Each
// firing produces one delayed event in the columnar tier. Bookkeeping fields
// (last/next fire, counters) are owned by the cron generator; admin CRUD must
// leave them alone.
type CronDefinition struct {
	ID          DefinitionID `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`

	EntityType string `json:"entityType"`
	Action     string `json:"action"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payload"` // JSON text, never parsed by the engine
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`
	Headers    map[string]string `json:"headers,omitempty"`

	CronExpr string `json:"cronExpr"`
	Timezone string `json:"timezone"`

	MaxRetries int              `json:"maxRetries"`
	Status     DefinitionStatus `json:"status"`

	// Admin overrides win over manifest-synced values and survive re-sync.
	OverridePayload *string           `json:"overridePayload,omitempty"`
	OverrideCron    *string           `json:"overrideCron,omitempty"`
	OverrideStatus  *DefinitionStatus `json:"overrideStatus,omitempty"`

	// Bookkeeping, mutated only by the cron generator.
	LastFireAt *time.Time `json:"lastFireAt,omitempty"`
	NextFireAt *time.Time `json:"nextFireAt,omitempty"`
	ExecCount  int64      `json:"execCount"`
	ErrorCount int64      `json:"errorCount"`
	LastError  string     `json:"lastError,omitempty"`

	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	CreatedBy  string     `json:"createdBy,omitempty"`
}

// EffectiveCron returns the cron expression the generator should run,
// honoring an admin override when set.
func (d *CronDefinition) EffectiveCron() string {
	if d.OverrideCron != nil && *d.OverrideCron != "" {
		return *d.OverrideCron
	}
	return d.CronExpr
}

func (d *CronDefinition) EffectivePayload() string {
	if d.OverridePayload != nil {
		return *d.OverridePayload
	}
	return d.Payload
}

func (d *CronDefinition) EffectiveStatus() DefinitionStatus {
	if d.OverrideStatus != nil {
		return *d.OverrideStatus
	}
	return d.Status
}

// ExecutionRecord is one append-only history row per firing of a definition.
type ExecutionRecord struct {
	ID            string           `json:"id"`
	DefinitionID  DefinitionID     `json:"definitionId"`
	Name          string           `json:"name"` // denormalized for queries
	FireTime      time.Time        `json:"fireTime"`
	Outcome       ExecutionOutcome `json:"outcome"`
	EventID       string           `json:"eventId,omitempty"` // generated C-tier id
	DurationMS    int64            `json:"durationMs"`
	Error         string           `json:"error,omitempty"`
	NodeID        string           `json:"nodeId,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}
