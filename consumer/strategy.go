package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-amqp/driver"
)

// DefaultIdleTimeout is the loop strategy wait between empty polls
const DefaultIdleTimeout = 100 * time.Millisecond

// Strategy names
const (
	StrategyDefault = "default"
	StrategyConsume = "consume"
	StrategyLoop    = "loop"
)

// ErrUnknownStrategy is returned for strategy names other than consume, default and loop
var ErrUnknownStrategy = errors.New("consumer: unknown strategy")

// Session is what a consumer hands to its strategy
type Session struct {
	Deliveries driver.Deliveries
	// ReadTimeout bounds the wait for messages, zero or negative waits forever
	ReadTimeout time.Duration
	// Handle processes and settles one message. Returning ErrStop ends the session.
	Handle HandleFunc
	// Tick is called on every loop iteration, may be nil
	Tick func(ctx context.Context)
}

// Strategy decides how deliveries are awaited and handled
type Strategy interface {
	Consume(ctx context.Context, s Session) error
}

// TickFunc is invoked on every loop strategy iteration
type TickFunc func(ctx context.Context)

// DefaultStrategy performs one receive and one handle call
type DefaultStrategy struct{}

// Consume waits for one message and handles it. It returns
// driver.ErrReadTimeout when nothing arrives within the read timeout.
func (DefaultStrategy) Consume(ctx context.Context, s Session) error {
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = driver.Forever
	}

	msg, err := s.Deliveries.Receive(ctx, timeout)
	if err != nil {
		return err
	}
	return s.Handle(ctx, msg)
}

// LoopStrategy polls for messages until stopped, waiting at most IdleTimeout
// per poll, and calls TickHandler on every iteration
type LoopStrategy struct {
	IdleTimeout time.Duration
	TickHandler TickFunc
}

// Consume returns nil on cancellation or ErrStop, driver.ErrReadTimeout once
// no message arrived for the read timeout, or the first unrecoverable error.
func (l LoopStrategy) Consume(ctx context.Context, s Session) error {
	idle := l.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	lastMessage := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := s.Deliveries.Receive(ctx, idle)
		switch {
		case err == nil:
			lastMessage = time.Now()
			if err := s.Handle(ctx, msg); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}

		case errors.Is(err, driver.ErrReadTimeout), errors.Is(err, driver.ErrNoMessage):
			if s.ReadTimeout > 0 && time.Since(lastMessage) >= s.ReadTimeout {
				return driver.ErrReadTimeout
			}

		case ctx.Err() != nil:
			return nil

		default:
			return err
		}

		l.tick(ctx, s)
	}
}

func (l LoopStrategy) tick(ctx context.Context, s Session) {
	if l.TickHandler != nil {
		l.TickHandler(ctx)
	}
	if s.Tick != nil {
		s.Tick(ctx)
	}
}

// ParseStrategy maps a strategy name to a Strategy. The idle timeout and tick
// handler only apply to the loop strategy.
func ParseStrategy(name string, idle time.Duration, tick TickFunc) (Strategy, error) {
	switch name {
	case "", StrategyDefault, StrategyConsume:
		return DefaultStrategy{}, nil
	case StrategyLoop:
		return LoopStrategy{IdleTimeout: idle, TickHandler: tick}, nil
	}
	return nil, fmt.Errorf("%w: %q (available: %q, %q, %q)", ErrUnknownStrategy, name, StrategyConsume, StrategyDefault, StrategyLoop)
}
