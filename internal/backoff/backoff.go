// Package backoff provides retry policies and a circuit breaker for broker
// operations.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/mmate-amqp/driver"
)

// Policy decides whether and when a failed attempt is retried
type Policy interface {
	// ShouldRetry reports whether attempt (zero based) may be retried after err,
	// and how long to wait first
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// Exponential grows the delay by Multiplier on every attempt, capped at MaxInterval
type Exponential struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponential creates an exponential policy with jitter
func NewExponential(initial, max time.Duration, multiplier float64, maxAttempts int) *Exponential {
	return &Exponential{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements Policy
func (e *Exponential) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !retryable(err) {
		return false, 0
	}
	return true, e.Delay(attempt)
}

// Delay returns the wait before retrying attempt
func (e *Exponential) Delay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// Fixed waits the same delay between attempts
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

// ShouldRetry implements Policy
func (f Fixed) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !retryable(err) {
		return false, 0
	}
	return true, f.Interval
}

// None never retries
type None struct{}

// ShouldRetry implements Policy
func (None) ShouldRetry(int, error) (bool, time.Duration) {
	return false, 0
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done. The
// last error of fn is returned when the policy gives up.
func Retry(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// retryable excludes calls an open breaker rejected
func retryable(err error) bool {
	return driver.IsRetryable(err) && !errors.Is(err, ErrOpen)
}
