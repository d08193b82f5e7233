package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-amqp/driver"
)

func TestExponential(t *testing.T) {
	t.Run("delays grow and cap", func(t *testing.T) {
		e := NewExponential(100*time.Millisecond, time.Second, 2.0, 5)
		e.Jitter = false

		assert.Equal(t, 100*time.Millisecond, e.Delay(0))
		assert.Equal(t, 400*time.Millisecond, e.Delay(2))
		assert.Equal(t, time.Second, e.Delay(10))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		e := NewExponential(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			d := e.Delay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("respects max attempts", func(t *testing.T) {
		e := NewExponential(time.Millisecond, time.Millisecond, 2.0, 2)
		ok, _ := e.ShouldRetry(1, errors.New("x"))
		assert.True(t, ok)
		ok, _ = e.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
	})

	t.Run("configuration errors are final", func(t *testing.T) {
		e := NewExponential(time.Millisecond, time.Millisecond, 2.0, 5)
		ok, _ := e.ShouldRetry(0, &driver.ConfigurationError{Key: "k", Reason: "bad"})
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), Fixed{Interval: time.Millisecond, MaxAttempts: 3}, func(int) error {
			calls++
			if calls < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns the last error", func(t *testing.T) {
		last := errors.New("still down")
		err := Retry(context.Background(), Fixed{Interval: time.Millisecond, MaxAttempts: 2}, func(int) error {
			return last
		})
		assert.ErrorIs(t, err, last)
	})

	t.Run("none calls once", func(t *testing.T) {
		calls := 0
		_ = Retry(context.Background(), None{}, func(int) error {
			calls++
			return errors.New("x")
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, Fixed{Interval: time.Hour, MaxAttempts: 5}, func(int) error {
			cancel()
			return errors.New("x")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
