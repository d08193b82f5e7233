package consumer

import (
	"context"
	"errors"

	"github.com/glimte/mmate-amqp/driver"
)

// Loop handles messages until cancelled. After ReadTimeout without messages
// the subscription is cancelled and re-established.
type Loop struct {
	base
	strategy Strategy
	cfg      LoopConfig
}

// NewLoop creates a loop-mode consumer. A nil strategy uses LoopStrategy
// with its default idle timeout.
func NewLoop(key string, queue driver.QueueFactory, strategy Strategy, cfg LoopConfig, opts ...Option) *Loop {
	if strategy == nil {
		strategy = LoopStrategy{}
	}
	c := &Loop{strategy: strategy, cfg: cfg}
	c.init(key, queue, cfg.RequeueOnError, cfg.TagGenerator, opts)
	return c
}

// Run consumes until ctx is cancelled, Stop is called or an unrecoverable
// error occurs
func (c *Loop) Run(ctx context.Context) error {
	ctx, cancel := c.begin(ctx)
	defer cancel()

	if err := c.allowed(ctx); err != nil {
		return err
	}

	for {
		_, err := c.runBudget(ctx, c.strategy, Budget{ReadTimeout: c.cfg.ReadTimeout})
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, driver.ErrReadTimeout):
			c.logger.Debug("read timeout, recycling subscription")
			if err := c.unsubscribe(); err != nil {
				c.logger.Debug("cancel subscription failed", "error", err)
			}
		case err != nil:
			return err
		}
	}
}

// RunBudget handles up to budget.Messages messages
func (c *Loop) RunBudget(ctx context.Context, budget Budget) (int, error) {
	ctx, cancel := c.begin(ctx)
	defer cancel()

	if err := c.allowed(ctx); err != nil {
		return 0, err
	}

	n, err := c.runBudget(ctx, c.strategy, budget)
	if errors.Is(err, driver.ErrReadTimeout) {
		return n, nil
	}
	return n, err
}
