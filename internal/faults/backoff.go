package faults

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig computes per-attempt delays for event retries and worker
// batch backoff. Exponential with an optional 10% jitter to avoid
// thundering-herd re-fires.
type RetryConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

func DefaultRetry() RetryConfig {
	return RetryConfig{
		Base:       60 * time.Second,
		Max:        time.Hour,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt (1-based).
// attempt=1 => base, attempt=2 => base*multiplier, capped at Max.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := c.Base
	if base <= 0 {
		base = time.Second
	}
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2
	}

	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}

	if c.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}

// LinearDelay is the limited linear backoff used for timeout-class failures.
func LinearDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}
