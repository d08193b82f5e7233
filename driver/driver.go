package driver

import (
	"context"
	"time"
)

// Forever makes Deliveries.Receive block until a message arrives or the
// context is cancelled
const Forever time.Duration = -1

// ConnectionFactory creates (and caches) a broker connection
type ConnectionFactory interface {
	Create(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is an open broker connection
type Connection interface {
	IsConnected() bool
	Close() error
}

// ChannelFactory creates (and caches) one channel on a connection
type ChannelFactory interface {
	Create(ctx context.Context) (Channel, error)
	Close() error
}

// Channel is an open channel with QoS applied
type Channel interface {
	IsClosed() bool
	Close() error
}

// ExchangeFactory declares an exchange once and hands out a publishing handle
type ExchangeFactory interface {
	Name() string
	Create(ctx context.Context) (Exchange, error)
}

// Exchange publishes messages to a declared exchange
type Exchange interface {
	Name() string
	Publish(ctx context.Context, msg Message, routingKey string) error
	Delete(ctx context.Context) error
}

// QueueFactory declares a queue once and hands out a consuming handle
type QueueFactory interface {
	Name() string
	Create(ctx context.Context) (Queue, error)
}

// ConsumeOptions configures a subscription
type ConsumeOptions struct {
	Tag string
}

// Queue consumes from a declared queue
type Queue interface {
	Name() string
	Consume(ctx context.Context, opts ConsumeOptions) (Deliveries, error)
	// Get fetches one message without subscribing, ErrNoMessage when empty
	Get(ctx context.Context) (*ReceivedMessage, error)
	Purge(ctx context.Context) (int, error)
	Delete(ctx context.Context) error
}

// Deliveries is an active subscription
type Deliveries interface {
	Tag() string
	// Receive returns the next message. A zero timeout never blocks and
	// returns ErrNoMessage, a positive timeout returns ErrReadTimeout once
	// elapsed, Forever blocks. A closed stream yields a *ConnectionError.
	Receive(ctx context.Context, timeout time.Duration) (*ReceivedMessage, error)
	Cancel() error
}
