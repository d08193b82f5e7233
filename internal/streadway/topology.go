package streadway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// ExchangeFactory declares its exchange once and applies its bindings
type ExchangeFactory struct {
	chf driver.ChannelFactory
	def definition.Exchange

	mu       sync.Mutex
	exchange *Exchange
}

func (f *ExchangeFactory) Name() string {
	return f.def.Name
}

func (f *ExchangeFactory) Create(ctx context.Context) (driver.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exchange != nil {
		return f.exchange, nil
	}

	c, err := channelOf(ctx, f.chf)
	if err != nil {
		return nil, err
	}
	ch := c.ch

	if !f.def.IsDefault() {
		kind, err := definition.ParseExchangeType(string(f.def.Type))
		if err != nil {
			return nil, err
		}

		declare := ch.ExchangeDeclare
		if f.def.Passive.Resolve() {
			declare = ch.ExchangeDeclarePassive
		}
		if err := declare(f.def.Name, string(kind), f.def.Durable, false, false, false, toTable(f.def.Arguments.Table())); err != nil {
			return nil, classify("declare exchange", "exchange", f.def.Name, err)
		}

		for _, b := range f.def.Bindings {
			if err := ch.ExchangeBind(f.def.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return nil, classify("bind exchange", "exchange", f.def.Name, err)
			}
		}
		for _, b := range f.def.Unbindings {
			if err := ch.ExchangeUnbind(f.def.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return nil, classify("unbind exchange", "exchange", f.def.Name, err)
			}
		}
	}

	f.exchange = &Exchange{name: f.def.Name, chf: f.chf}
	return f.exchange, nil
}

// Exchange publishes to a declared exchange
type Exchange struct {
	name string
	chf  driver.ChannelFactory
}

func (e *Exchange) Name() string {
	return e.name
}

func (e *Exchange) Publish(ctx context.Context, msg driver.Message, routingKey string) error {
	c, err := channelOf(ctx, e.chf)
	if err != nil {
		return &driver.PublishError{Exchange: e.name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := c.ch.Publish(e.name, routingKey, false, false, toPublishing(msg)); err != nil {
		return &driver.PublishError{
			Exchange:   e.name,
			RoutingKey: routingKey,
			Err:        classify("publish", "exchange", e.name, err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (e *Exchange) Delete(ctx context.Context) error {
	c, err := channelOf(ctx, e.chf)
	if err != nil {
		return err
	}
	if err := c.ch.ExchangeDelete(e.name, false, false); err != nil {
		return classify("delete exchange", "exchange", e.name, err)
	}
	return nil
}

// QueueFactory declares its queue once and applies its bindings
type QueueFactory struct {
	chf driver.ChannelFactory
	def definition.Queue

	mu    sync.Mutex
	queue *Queue
}

func (f *QueueFactory) Name() string {
	return f.def.Name
}

func (f *QueueFactory) Create(ctx context.Context) (driver.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queue != nil {
		return f.queue, nil
	}

	c, err := channelOf(ctx, f.chf)
	if err != nil {
		return nil, err
	}
	ch := c.ch

	declare := ch.QueueDeclare
	if f.def.Passive.Resolve() {
		declare = ch.QueueDeclarePassive
	}
	if _, err := declare(f.def.Name, f.def.Durable, f.def.AutoDelete, f.def.Exclusive, false, toTable(f.def.Arguments.Table())); err != nil {
		return nil, classify("declare queue", "queue", f.def.Name, err)
	}

	for _, b := range f.def.Bindings {
		if err := ch.QueueBind(f.def.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return nil, classify("bind queue", "queue", f.def.Name, err)
		}
	}
	for _, b := range f.def.Unbindings {
		if err := ch.QueueUnbind(f.def.Name, b.RoutingKey, b.Exchange, nil); err != nil {
			return nil, classify("unbind queue", "queue", f.def.Name, err)
		}
	}

	f.queue = &Queue{name: f.def.Name, chf: f.chf}
	return f.queue, nil
}

// Queue consumes from a declared queue
type Queue struct {
	name string
	chf  driver.ChannelFactory
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Consume(ctx context.Context, opts driver.ConsumeOptions) (driver.Deliveries, error) {
	c, err := channelOf(ctx, q.chf)
	if err != nil {
		return nil, err
	}

	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	deliveries, err := c.ch.Consume(q.name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, classify("consume", "queue", q.name, err)
	}

	return driver.NewStream(tag, deliveries,
		func(d amqp.Delivery) *driver.ReceivedMessage {
			return fromDelivery(d, q.name)
		},
		func() error {
			if c.IsClosed() {
				return nil
			}
			return c.ch.Cancel(tag, false)
		},
	), nil
}

func (q *Queue) Get(ctx context.Context) (*driver.ReceivedMessage, error) {
	c, err := channelOf(ctx, q.chf)
	if err != nil {
		return nil, err
	}

	d, ok, err := c.ch.Get(q.name, false)
	if err != nil {
		return nil, classify("get", "queue", q.name, err)
	}
	if !ok {
		return nil, driver.ErrNoMessage
	}
	return fromDelivery(d, q.name), nil
}

func (q *Queue) Purge(ctx context.Context) (int, error) {
	c, err := channelOf(ctx, q.chf)
	if err != nil {
		return 0, err
	}
	n, err := c.ch.QueuePurge(q.name, false)
	if err != nil {
		return 0, classify("purge queue", "queue", q.name, err)
	}
	return n, nil
}

func (q *Queue) Delete(ctx context.Context) error {
	c, err := channelOf(ctx, q.chf)
	if err != nil {
		return err
	}
	if _, err := c.ch.QueueDelete(q.name, false, false, false); err != nil {
		return classify("delete queue", "queue", q.name, err)
	}
	return nil
}
