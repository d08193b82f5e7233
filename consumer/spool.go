package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-amqp/driver"
)

// Spool collects up to PrefetchCount messages per window, bounded by Timeout,
// and acknowledges the successful ones together when the window closes.
// A failed message is rejected as soon as its handler fails.
type Spool struct {
	base
	cfg SpoolConfig
}

// NewSpool creates a spool-mode consumer
func NewSpool(key string, queue driver.QueueFactory, cfg SpoolConfig, opts ...Option) *Spool {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = DefaultPrefetchCount
	}
	c := &Spool{cfg: cfg}
	c.init(key, queue, cfg.RequeueOnError, cfg.TagGenerator, opts)
	return c
}

// Run processes batch windows until ctx is cancelled or Stop is called
func (c *Spool) Run(ctx context.Context) error {
	ctx, cancel := c.begin(ctx)
	defer cancel()

	if err := c.allowed(ctx); err != nil {
		return err
	}

	for {
		_, err := c.window(ctx, c.cfg.PrefetchCount, c.cfg.ReadTimeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !errors.Is(err, driver.ErrReadTimeout):
			return err
		}
	}
}

// RunBudget processes windows until budget.Messages messages were handled,
// a read timed out or a window closed empty
func (c *Spool) RunBudget(ctx context.Context, budget Budget) (int, error) {
	ctx, cancel := c.begin(ctx)
	defer cancel()

	if err := c.allowed(ctx); err != nil {
		return 0, err
	}

	readTimeout := c.cfg.ReadTimeout
	if budget.ReadTimeout > 0 {
		readTimeout = budget.ReadTimeout
	}

	total := 0
	for budget.Messages <= 0 || total < budget.Messages {
		size := c.cfg.PrefetchCount
		if budget.Messages > 0 && budget.Messages-total < size {
			size = budget.Messages - total
		}

		n, err := c.window(ctx, size, readTimeout)
		total += n
		switch {
		case ctx.Err() != nil:
			return total, nil
		case errors.Is(err, driver.ErrReadTimeout):
			return total, nil
		case err != nil:
			return total, err
		case n == 0:
			return total, nil
		}
	}
	return total, nil
}

// window collects one batch and flushes it. It returns driver.ErrReadTimeout
// when the window closed early because a receive timed out.
func (c *Spool) window(ctx context.Context, size int, readTimeout time.Duration) (int, error) {
	deliveries, err := c.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}

	var deadline time.Time
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	var (
		batch    []*driver.ReceivedMessage
		received int
		failures bool
		stopErr  error
	)

	session := Session{
		Deliveries: deliveries,
		Handle: func(ctx context.Context, msg *driver.ReceivedMessage) error {
			received++
			handleErr := c.handle(ctx, msg)
			if handleErr == nil && !msg.Answered() {
				batch = append(batch, msg)
				return nil
			}

			failures = true
			settleErr := c.settle(msg, handleErr)
			c.processed(ctx, msg, handleErr)
			return settleErr
		},
	}

	for received < size {
		wait := readTimeout
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if wait <= 0 || remaining < wait {
				wait = remaining
			}
		}
		session.ReadTimeout = wait

		if err := (DefaultStrategy{}).Consume(ctx, session); err != nil {
			if ctx.Err() == nil {
				stopErr = err
			}
			break
		}
	}

	// a window closed by its own deadline is not a read timeout
	if errors.Is(stopErr, driver.ErrReadTimeout) && !deadline.IsZero() && !time.Now().Before(deadline) {
		stopErr = nil
	}

	var connErr *driver.ConnectionError
	if errors.As(stopErr, &connErr) {
		c.unsubscribe()
	}

	if err := c.flush(ctx, batch, failures); err != nil {
		return received, err
	}
	return received, stopErr
}

// flush gives Flusher handlers the batch and acknowledges it. A flush failure
// rejects the whole batch according to the requeue policy.
func (c *Spool) flush(ctx context.Context, batch []*driver.ReceivedMessage, failures bool) error {
	if len(batch) == 0 {
		return nil
	}

	flushErr := callSafely(c.key, func() error {
		return c.handlers.Flush(ctx, batch)
	})

	var settleErr error
	switch {
	case flushErr != nil:
		for _, msg := range batch {
			settleErr = errors.Join(settleErr, c.settle(msg, flushErr))
		}
	case !failures:
		settleErr = driver.AckBatch(batch)
	default:
		for _, msg := range batch {
			settleErr = errors.Join(settleErr, c.settle(msg, nil))
		}
	}

	for _, msg := range batch {
		c.processed(ctx, msg, flushErr)
	}

	c.logger.Debug("batch flushed", "size", len(batch), "error", flushErr)
	return settleErr
}
