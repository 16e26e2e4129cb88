package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mkravets/eventsched/internal/bus"
	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/engine"
	"github.com/mkravets/eventsched/internal/faults"
)

// Scheduler is the slice of the engine the intake needs.
type Scheduler interface {
	ScheduleEvent(ctx context.Context, req engine.ScheduleRequest) (engine.ScheduledRef, error)
}

// Consumer turns messages from the delayed topic into scheduled events.
// Producers publish a normal message plus delivery_time and original_topic
// headers; when the delivery time comes, the payload is re-published
// verbatim to the original topic.
type Consumer struct {
	sched Scheduler
	log   *slog.Logger
}

func New(sched Scheduler, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{sched: sched, log: log}
}

// Handle processes one inbound message. Validation failures are terminal:
// the message is logged and dropped, never retried.
func (c *Consumer) Handle(ctx context.Context, msg bus.InboundMessage) error {
	req, err := requestFromMessage(msg)
	if err != nil {
		c.log.Error("rejected delayed message",
			"topic", msg.Topic,
			"correlation_id", msg.Headers[bus.HeaderCorrelationID],
			"error", err,
		)
		return err
	}

	ref, err := c.sched.ScheduleEvent(ctx, req)
	if err != nil {
		return err
	}

	c.log.Info("delayed message scheduled",
		"event", ref.ID,
		"tier", ref.Tier,
		"target_topic", req.Topic,
		"scheduled_at", ref.ScheduledAt,
	)
	return nil
}

func requestFromMessage(msg bus.InboundMessage) (engine.ScheduleRequest, error) {
	originalTopic := msg.Headers[bus.HeaderOriginalTopic]
	if originalTopic == "" {
		return engine.ScheduleRequest{}, faults.Validation("intake.parse",
			fmt.Errorf("missing %s header", bus.HeaderOriginalTopic))
	}

	deliveryRaw := msg.Headers[bus.HeaderDeliveryTime]
	if deliveryRaw == "" {
		return engine.ScheduleRequest{}, faults.Validation("intake.parse",
			fmt.Errorf("missing %s header", bus.HeaderDeliveryTime))
	}
	deliveryTime, err := parseDeliveryTime(deliveryRaw)
	if err != nil {
		return engine.ScheduleRequest{}, faults.Validation("intake.parse", err)
	}
	// a delivery time that already passed in transit means "deliver now"
	if now := time.Now().UTC(); deliveryTime.Before(now) {
		deliveryTime = now
	}

	maxDelay := 0
	if raw := msg.Headers[bus.HeaderMaxDelaySeconds]; raw != "" {
		maxDelay, err = strconv.Atoi(raw)
		if err != nil || maxDelay < 0 {
			return engine.ScheduleRequest{}, faults.Validation("intake.parse",
				fmt.Errorf("bad %s header %q", bus.HeaderMaxDelaySeconds, raw))
		}
	}

	entityType := msg.Headers[bus.HeaderEntityType]
	if entityType == "" {
		entityType = originalTopic
	}
	action := msg.Headers[bus.HeaderAction]
	if action == "" {
		action = "deliver"
	}

	// pass every non-routing header through to the eventual publish
	passthrough := make(map[string]string)
	for k, v := range msg.Headers {
		switch k {
		case bus.HeaderOriginalTopic, bus.HeaderDeliveryTime, bus.HeaderMaxDelaySeconds,
			bus.HeaderCorrelationID, bus.HeaderEntityType, bus.HeaderAction:
		default:
			passthrough[k] = v
		}
	}

	return engine.ScheduleRequest{
		Topic:           originalTopic,
		EntityType:      entityType,
		Action:          action,
		Payload:         string(msg.Value),
		Headers:         passthrough,
		ScheduledAt:     deliveryTime,
		MaxDelaySeconds: maxDelay,
		CorrelationID:   msg.Headers[bus.HeaderCorrelationID],
		Source:          event.SourceKafkaDelayed,
		SourceID:        msg.Topic,
	}, nil
}

// parseDeliveryTime accepts RFC3339 or unix epoch seconds.
func parseDeliveryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable delivery_time %q", raw)
}
