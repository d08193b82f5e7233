package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/publisher"
)

// ConsumerLogging logs message processing
type ConsumerLogging struct {
	logger *slog.Logger
}

// NewConsumerLogging creates a consumer logging middleware
func NewConsumerLogging(logger *slog.Logger) *ConsumerLogging {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConsumerLogging{logger: logger}
}

// Handle implements consumer.Middleware
func (i *ConsumerLogging) Handle(ctx context.Context, msg *driver.ReceivedMessage, next consumer.HandleFunc) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", msg.Properties.MessageID,
		"queue", msg.Queue,
		"routingKey", msg.RoutingKey,
		"deliveryTag", msg.DeliveryTag,
		"redelivered", msg.Redelivered,
	)

	err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.Properties.MessageID,
			"queue", msg.Queue,
			"deliveryTag", msg.DeliveryTag,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", msg.Properties.MessageID,
			"queue", msg.Queue,
			"deliveryTag", msg.DeliveryTag,
			"duration", duration,
		)
	}

	return err
}

// PublisherLogging logs outgoing messages
type PublisherLogging struct {
	logger *slog.Logger
}

// NewPublisherLogging creates a publisher logging middleware
func NewPublisherLogging(logger *slog.Logger) *PublisherLogging {
	if logger == nil {
		logger = slog.Default()
	}

	return &PublisherLogging{logger: logger}
}

// Handle implements publisher.Middleware
func (i *PublisherLogging) Handle(ctx context.Context, msg *driver.Message, routingKey string, next publisher.Next) error {
	start := time.Now()

	err := next(ctx, msg, routingKey)
	if err != nil {
		i.logger.Error("message publish failed",
			"messageId", msg.Properties.MessageID,
			"routingKey", routingKey,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}

	i.logger.Info("message published",
		"messageId", msg.Properties.MessageID,
		"routingKey", routingKey,
		"size", len(msg.Body),
		"duration", time.Since(start),
	)
	return nil
}
