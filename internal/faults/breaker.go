package faults

import (
	"time"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures to open
	Cooldown         time.Duration // open -> half-open wait
	HalfOpenMaxCalls uint32
}

// NewBreaker builds a circuit breaker for one external dependency (bus or a
// store). While open, calls fail fast with gobreaker.ErrOpenState, which
// Classify maps to KindCircuitOpen; workers treat that as transient
// transport and back off.
func NewBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	})
}

// Do runs fn under the breaker, discarding the unused result slot.
func Do(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
