// Package roundrobin time-slices a set of consumers: each gets a bounded
// number of messages in turn, wrapping around until cancelled.
package roundrobin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/internal/backoff"
	"github.com/glimte/mmate-amqp/registry"
)

// Defaults from the original configuration
const (
	DefaultExecutesMessagesPerConsumer = 100
	DefaultConsumersReadTimeout        = 10 * time.Second
)

// DefaultIdleInterval is the first wait after a cycle in which every
// consumer failed or was skipped
const DefaultIdleInterval = 100 * time.Millisecond

// Config configures the scheduler. FullTimeout bounds the whole run, zero
// runs until cancelled.
type Config struct {
	ExecutesMessagesPerConsumer int
	ConsumersReadTimeout        time.Duration
	FullTimeout                 time.Duration
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ExecutesMessagesPerConsumer <= 0 {
		return errors.New("executes_messages_per_consumer must be positive")
	}
	if c.ConsumersReadTimeout <= 0 {
		return errors.New("consumers_read_timeout must be positive")
	}
	if c.FullTimeout < 0 {
		return errors.New("full_timeout must not be negative")
	}
	return nil
}

// Scheduler runs consumers in turn
type Scheduler struct {
	cfg       Config
	consumers *registry.Registry[consumer.Consumer]
	keys      []string
	idle      time.Duration
	logger    *slog.Logger
}

// Option configures the Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithIdleInterval sets the first wait after a cycle without any successful
// turn. The wait doubles per such cycle, capped at ConsumersReadTimeout.
func WithIdleInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.idle = d
	}
}

// New creates a scheduler over keys, resolved from consumers in the given order
func New(cfg Config, consumers *registry.Registry[consumer.Consumer], keys []string, options ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		consumers: consumers,
		keys:      append([]string(nil), keys...),
		idle:      DefaultIdleInterval,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Run cycles through the consumers until ctx is cancelled or FullTimeout
// elapses. Unknown keys fail before any consumer runs. A consumer error is
// logged and its turn ends; the cycle continues. When no consumer completed
// a turn in a whole cycle the scheduler backs off before the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("round robin: %w", err)
	}

	resolved := make([]consumer.Consumer, 0, len(s.keys))
	for _, key := range s.keys {
		c, err := s.consumers.Get(key)
		if err != nil {
			return err
		}
		resolved = append(resolved, c)
	}
	if len(resolved) == 0 {
		return errors.New("round robin: no consumers")
	}

	if s.cfg.FullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FullTimeout)
		defer cancel()
	}

	budget := consumer.Budget{
		Messages:    s.cfg.ExecutesMessagesPerConsumer,
		ReadTimeout: s.cfg.ConsumersReadTimeout,
	}

	idle := backoff.NewExponential(s.idle, s.cfg.ConsumersReadTimeout, 2.0, 0)
	idleCycles := 0

	for cycle := 1; ; cycle++ {
		completed := false
		for _, c := range resolved {
			if ctx.Err() != nil {
				return nil
			}

			n, err := c.RunBudget(ctx, budget)
			switch {
			case errors.Is(err, consumer.ErrSkipped):
				s.logger.Debug("consumer skipped", "consumer", c.Key(), "cycle", cycle)
			case err != nil:
				s.logger.Error("consumer turn failed", "consumer", c.Key(), "cycle", cycle, "error", err)
			default:
				completed = true
				s.logger.Debug("consumer turn finished", "consumer", c.Key(), "cycle", cycle, "messages", n)
			}
		}

		if completed {
			idleCycles = 0
			continue
		}

		delay := idle.Delay(idleCycles)
		idleCycles++
		s.logger.Debug("no consumer completed a turn, backing off", "cycle", cycle, "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
