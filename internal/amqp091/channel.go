package amqp091

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// ChannelFactory opens one channel with the QoS of its definition and
// reopens it once closed
type ChannelFactory struct {
	cf  driver.ConnectionFactory
	def definition.Channel

	mu sync.Mutex
	ch *Channel
}

// NewChannelFactory creates a channel factory on connections made by cf
func NewChannelFactory(cf driver.ConnectionFactory, def definition.Channel) *ChannelFactory {
	return &ChannelFactory{cf: cf, def: def}
}

// Channel wraps an open *amqp.Channel
type Channel struct {
	ch *amqp.Channel
}

// IsClosed reports whether the channel has been closed
func (c *Channel) IsClosed() bool {
	return c.ch == nil || c.ch.IsClosed()
}

// Close closes the channel
func (c *Channel) Close() error {
	if c.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// Create returns the cached channel, opening a new one when closed
func (f *ChannelFactory) Create(ctx context.Context) (driver.Channel, error) {
	return f.channel(ctx)
}

func (f *ChannelFactory) channel(ctx context.Context) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ch != nil && !f.ch.IsClosed() {
		return f.ch, nil
	}

	conn, err := f.cf.Create(ctx)
	if err != nil {
		return nil, err
	}

	c, ok := conn.(*Connection)
	if !ok {
		return nil, &driver.ConfigurationError{
			Key:    "channels." + f.def.Key,
			Reason: fmt.Sprintf("connection of type %T does not belong to the amqp091 driver", conn),
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, classify("open channel", "channel", f.def.Key, err)
	}

	if err := ch.Qos(f.def.PrefetchCount, f.def.PrefetchSize, f.def.Global); err != nil {
		ch.Close()
		return nil, classify("qos", "channel", f.def.Key, err)
	}

	f.ch = &Channel{ch: ch}
	return f.ch, nil
}

// Close closes the cached channel
func (f *ChannelFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ch == nil {
		return nil
	}
	err := f.ch.Close()
	f.ch = nil
	return err
}

func channelOf(ctx context.Context, chf driver.ChannelFactory) (*amqp.Channel, error) {
	if f, ok := chf.(*ChannelFactory); ok {
		c, err := f.channel(ctx)
		if err != nil {
			return nil, err
		}
		return c.ch, nil
	}

	ch, err := chf.Create(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := ch.(*Channel)
	if !ok {
		return nil, &driver.ConfigurationError{
			Key:    "channel",
			Reason: fmt.Sprintf("channel of type %T does not belong to the amqp091 driver", ch),
		}
	}
	return c.ch, nil
}
