package event

import (
	"encoding/json"
	"errors"
	"time"
)

type HotEventID string

func (id HotEventID) String() string { return string(id) }

type HotStatus string

const (
	HotPending   HotStatus = "pending"
	HotReserved  HotStatus = "reserved"
	HotCompleted HotStatus = "completed"
	HotError     HotStatus = "error"
	HotSkipped   HotStatus = "skipped"
)

var ErrCorruptHotEvent = errors.New("corrupt hot event record")

// HeaderStaleFatal marks an event whose staleness should suppress the
// publish instead of warning (the stale-is-fatal flag travels as a header).
const HeaderStaleFatal = "stale_fatal"

// HotEvent is the key-value-tier copy of an event whose fire time is inside
// the promotion horizon. It has its own id; DelayedEventID back-references
// the columnar row (empty for events scheduled directly into this tier).
type HotEvent struct {
	ID             HotEventID `json:"id"`
	DelayedEventID EventID    `json:"delayedEventId,omitempty"`

	Topic      string            `json:"topic"`
	EntityType string            `json:"entityType"`
	Action     string            `json:"action"`
	EntityID   string            `json:"entityId,omitempty"`
	ActorType  string            `json:"actorType"`
	ActorID    string            `json:"actorId"`
	Payload    json.RawMessage   `json:"payload"`
	Headers    map[string]string `json:"headers,omitempty"`

	CorrelationID string `json:"correlationId"`

	ScheduledAt     time.Time `json:"scheduledAt"`
	Priority        int       `json:"priority"`
	MaxDelaySeconds int       `json:"maxDelaySeconds"`

	Source   Source `json:"source"`
	SourceID string `json:"sourceId,omitempty"`

	Status HotStatus `json:"status"`

	// Time the event spent queued in the columnar tier before promotion.
	// Zero for events scheduled directly into this tier.
	CQueueMS int64 `json:"cQueueMs,omitempty"`

	ReservedAt *time.Time `json:"reservedAt,omitempty"`
	ReservedBy string     `json:"reservedBy,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e *HotEvent) Stale(t time.Time) bool {
	if e.MaxDelaySeconds <= 0 {
		return false
	}
	return t.Sub(e.ScheduledAt) > time.Duration(e.MaxDelaySeconds)*time.Second
}

func (e *HotEvent) StaleIsFatal() bool {
	return e.Headers[HeaderStaleFatal] == "true" || e.Headers[HeaderStaleFatal] == "1"
}

// EncodeHot serializes a hot event for the value record.
func EncodeHot(e HotEvent) ([]byte, error) {
	if e.ID == "" {
		return nil, ErrCorruptHotEvent
	}
	return json.Marshal(e)
}

// DecodeHot deserializes a value record. A record that does not round-trip
// is treated as corrupt and the caller should drop it.
func DecodeHot(b []byte) (HotEvent, error) {
	var e HotEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return HotEvent{}, ErrCorruptHotEvent
	}
	if e.ID == "" {
		return HotEvent{}, ErrCorruptHotEvent
	}
	return e, nil
}
