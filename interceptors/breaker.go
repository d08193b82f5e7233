package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/internal/backoff"
	"github.com/glimte/mmate-amqp/publisher"
)

// PublishBreaker fails publishes fast while the broker keeps failing
type PublishBreaker struct {
	breaker *backoff.Breaker
}

// NewPublishBreaker creates a breaker middleware for the publisher key
func NewPublishBreaker(key string, logger *slog.Logger, options ...backoff.BreakerOption) *PublishBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	onChange := backoff.WithStateChange(func(from, to backoff.State) {
		logger.Warn("publisher circuit changed",
			"publisher", key,
			"from", from.String(),
			"to", to.String())
	})
	return &PublishBreaker{breaker: backoff.NewBreaker(append([]backoff.BreakerOption{onChange}, options...)...)}
}

// State returns the breaker state
func (b *PublishBreaker) State() backoff.State {
	return b.breaker.State()
}

// Handle implements publisher.Middleware
func (b *PublishBreaker) Handle(ctx context.Context, msg *driver.Message, routingKey string, next publisher.Next) error {
	return b.breaker.Do(func() error {
		return next(ctx, msg, routingKey)
	})
}
