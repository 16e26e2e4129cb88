package bus

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"log/slog"
)

// LogPublisher is the dev stand-in for a real producer: it logs the message
// and fabricates partition/offset. Env knobs simulate a slow or failing
// broker for exercising the retry and breaker paths.
type LogPublisher struct {
	log    *slog.Logger
	offset atomic.Int64
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) (int32, int64, error) {
	if msStr := os.Getenv("BUS_SLEEP_MS"); msStr != "" {
		ms, _ := strconv.Atoi(msStr)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			}
		}
	}

	if os.Getenv("BUS_FAIL") == "1" {
		return 0, 0, fmt.Errorf("broker down (simulated)")
	}

	off := p.offset.Add(1)
	p.log.Info("bus.publish",
		"topic", msg.Topic,
		"key", msg.Key,
		"correlation_id", msg.Headers[HeaderCorrelationID],
		"schedule_id", msg.Headers[HeaderScheduleID],
		"bytes", len(msg.Value),
		"offset", off,
	)
	return 0, off, nil
}
