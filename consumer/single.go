package consumer

import (
	"context"
	"errors"

	"github.com/glimte/mmate-amqp/driver"
)

// Single handles exactly one message per Run call. The subscription is kept
// between calls.
type Single struct {
	base
	strategy Strategy
}

// NewSingle creates a single-mode consumer
func NewSingle(key string, queue driver.QueueFactory, strategy Strategy, cfg SingleConfig, opts ...Option) *Single {
	if strategy == nil {
		strategy = DefaultStrategy{}
	}
	c := &Single{strategy: strategy}
	c.init(key, queue, cfg.RequeueOnError, cfg.TagGenerator, opts)
	return c
}

// Run waits for one message and handles it
func (c *Single) Run(ctx context.Context) error {
	_, err := c.RunBudget(ctx, Budget{Messages: 1})
	return err
}

// RunBudget handles up to budget.Messages messages
func (c *Single) RunBudget(ctx context.Context, budget Budget) (int, error) {
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
