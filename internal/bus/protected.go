package bus

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mkravets/eventsched/internal/faults"
)

type ProtectedPublisherConfig struct {
	Timeout          time.Duration // hard timeout per publish, must stay < claim TTL
	FailureThreshold uint32
	Cooldown         time.Duration
	HalfOpenMaxCalls uint32
}

// ProtectedPublisher wraps a Publisher with a per-call timeout and a circuit
// breaker so a dead broker fails fast instead of eating the claim TTL on
// every event.
type ProtectedPublisher struct {
	inner Publisher
	cfg   ProtectedPublisherConfig
	cb    *gobreaker.CircuitBreaker
}

func NewProtectedPublisher(inner Publisher, cfg ProtectedPublisherConfig) *ProtectedPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &ProtectedPublisher{
		inner: inner,
		cfg:   cfg,
		cb: faults.NewBreaker("bus", faults.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		}),
	}
}

func (p *ProtectedPublisher) Publish(ctx context.Context, msg Message) (int32, int64, error) {
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var partition int32
	var offset int64

	_, err := p.cb.Execute(func() (interface{}, error) {
		var innerErr error
		partition, offset, innerErr = p.inner.Publish(pubCtx, msg)
		return nil, innerErr
	})
	return partition, offset, err
}

// State exposes the breaker state for the monitoring endpoint.
func (p *ProtectedPublisher) State() string {
	return p.cb.State().String()
}
