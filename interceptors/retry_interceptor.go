package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/internal/backoff"
	"github.com/glimte/mmate-amqp/publisher"
)

// PublishRetry retries failed publishes according to a backoff policy
type PublishRetry struct {
	policy backoff.Policy
	logger *slog.Logger
}

// NewPublishRetry creates a retry middleware. A nil policy retries three times
// with exponential backoff starting at 100ms.
func NewPublishRetry(policy backoff.Policy) *PublishRetry {
	if policy == nil {
		policy = backoff.NewExponential(100*time.Millisecond, 5*time.Second, 2.0, 3)
	}
	return &PublishRetry{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the retry middleware
func (r *PublishRetry) WithLogger(logger *slog.Logger) *PublishRetry {
	r.logger = logger
	return r
}

// Handle implements publisher.Middleware. Every attempt starts from a fresh
// copy of the message.
func (r *PublishRetry) Handle(ctx context.Context, msg *driver.Message, routingKey string, next publisher.Next) error {
	return backoff.Retry(ctx, r.policy, func(attempt int) error {
		if attempt > 0 {
			r.logger.Warn("retrying publish", "routingKey", routingKey, "attempt", attempt)
		}
		out := msg.Clone()
		return next(ctx, &out, routingKey)
	})
}
