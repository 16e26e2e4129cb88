package event

import "time"

type AnalyticsLevel string

const (
	LevelInfo    AnalyticsLevel = "info"
	LevelWarning AnalyticsLevel = "warning"
	LevelError   AnalyticsLevel = "error"
)

type ExecutionResult string

const (
	ResultSuccess   ExecutionResult = "success"
	ResultFailure   ExecutionResult = "failure"
	ResultTimeout   ExecutionResult = "timeout"
	ResultCancelled ExecutionResult = "cancelled"
	ResultRetry     ExecutionResult = "retry"
)

// Tier names the store a transition happened in, for analytics grouping.
type Tier string

const (
	TierDocument Tier = "document"
	TierColumnar Tier = "columnar"
	TierKeyValue Tier = "keyvalue"
)

// AnalyticsRow is one append-only record per completed unit of work
// (cron generation, promotion, dispatch success/failure, skip, warning).
type AnalyticsRow struct {
	ID string `json:"id"`

	Tier       Tier   `json:"tier"`
	ScheduleID string `json:"scheduleId"` // originating definition/event id
	EventID    string `json:"eventId,omitempty"`

	EntityType string `json:"entityType"`
	Action     string `json:"action"`
	EntityID   string `json:"entityId,omitempty"`

	CorrelationID string `json:"correlationId"`

	Level  AnalyticsLevel  `json:"level"`
	Result ExecutionResult `json:"result"`

	ScheduledAt         time.Time `json:"scheduledAt"`
	StartedProcessingAt time.Time `json:"startedProcessingAt"`
	CompletedAt         time.Time `json:"completedAt"`

	TimeInCQueueMS *int64 `json:"timeInCQueueMs,omitempty"`
	TimeInKQueueMS *int64 `json:"timeInKQueueMs,omitempty"`
	// Total schedule-to-completion duration. May be negative when an event
	// fires early; averages clamp at zero.
	TotalProcessingMS int64  `json:"totalProcessingMs"`
	PublishMS         *int64 `json:"publishMs,omitempty"`

	RetryCount   int    `json:"retryCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Node         string `json:"node,omitempty"`
	BusTopic     string `json:"busTopic,omitempty"`
	BusPartition *int32 `json:"busPartition,omitempty"`
	BusOffset    *int64 `json:"busOffset,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
