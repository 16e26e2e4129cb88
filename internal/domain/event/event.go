package event

import (
	"errors"
	"time"
)

// EventID identifies a delayed event in the columnar tier. It is the
// authoritative correlation key across tiers: the hot copy carries it as a
// back-reference once promoted.
type EventID string

func (id EventID) String() string { return string(id) }

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPromoted   Status = "promoted"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusSkipped    Status = "skipped"
)

type Source string

const (
	SourceCron         Source = "cron"
	SourceKafkaDelayed Source = "kafka_delayed"
	SourceAPI          Source = "api"
	SourceSystem       Source = "system"
)

var (
	ErrNotFound = errors.New("scheduled event not found")
	// ErrConflict is returned when a mutation races a processing event,
	// e.g. cancelling something a dispatcher already claimed.
	ErrConflict = errors.New("scheduled event is processing")
)

// DelayedEvent is the columnar-tier row: a one-shot event with a long fire
// horizon. Status advances pending -> (processing|promoted) ->
// (completed|error|skipped); only pending rows are eligible for promotion,
// and a promoted row is owned by the key-value tier from then on.
type DelayedEvent struct {
	ID EventID `json:"id"`

	Topic      string            `json:"topic"`
	EntityType string            `json:"entityType"`
	Action     string            `json:"action"`
	EntityID   string            `json:"entityId,omitempty"`
	ActorType  string            `json:"actorType"`
	ActorID    string            `json:"actorId"`
	Payload    string            `json:"payload"` // opaque, never parsed here
	Headers    map[string]string `json:"headers,omitempty"`

	CorrelationID string `json:"correlationId"`

	ScheduledAt     time.Time `json:"scheduledAt"`
	Priority        int       `json:"priority"` // higher fires first on ties
	MaxDelaySeconds int       `json:"maxDelaySeconds"`

	Status   Status `json:"status"`
	Source   Source `json:"source"`
	SourceID string `json:"sourceId,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	NodeID    string     `json:"nodeId,omitempty"`
	LockUntil *time.Time `json:"lockUntil,omitempty"`

	PromotedAt  *time.Time `json:"promotedAt,omitempty"`
	PromotedKey string     `json:"promotedKey,omitempty"` // hot-tier id

	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	Error               string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stale reports whether the event has overshot its max-delay window at t.
func (e *DelayedEvent) Stale(t time.Time) bool {
	if e.MaxDelaySeconds <= 0 {
		return false
	}
	return t.Sub(e.ScheduledAt) > time.Duration(e.MaxDelaySeconds)*time.Second
}
