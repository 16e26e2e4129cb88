package bus

import "context"

// Header names carried on every published message. Correlation and schedule
// ids are the tracing contract; the rest is routing metadata.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderScheduleID    = "schedule_id"
	HeaderEventID       = "event_id"
	HeaderSource        = "source"
	HeaderSourceID      = "source_id"
	HeaderEntityType    = "entity_type"
	HeaderAction        = "action"
	HeaderPriority      = "priority"
	HeaderStale         = "stale"
	HeaderQueueTimeMS   = "queue_time_ms"

	// Intake headers on the delayed topic.
	HeaderDeliveryTime    = "delivery_time"
	HeaderOriginalTopic   = "original_topic"
	HeaderMaxDelaySeconds = "max_delay_seconds"
)

type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher is the narrow bus surface the engine needs. Implementations are
// external collaborators (Kafka producer, etc); this package only ships a
// log-backed one for development.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (partition int32, offset int64, err error)
}

// InboundMessage is what the delayed-topic intake adapter receives from its
// bus subscription.
type InboundMessage struct {
	Topic   string
	Value   []byte
	Headers map[string]string
}
