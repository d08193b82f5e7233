package amqp091

import (
	"context"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// QueueFactory declares its queue once, applies bindings and unbindings,
// then hands out the cached consuming handle
type QueueFactory struct {
	chf driver.ChannelFactory
	def definition.Queue

	mu    sync.Mutex
	queue *Queue
}

// NewQueueFactory creates a queue factory
func NewQueueFactory(chf driver.ChannelFactory, def definition.Queue) *QueueFactory {
	return &QueueFactory{chf: chf, def: def}
}

// Name returns the queue name
func (f *QueueFactory) Name() string {
	return f.def.Name
}

// Create declares the queue on first use
func (f *QueueFactory) Create(ctx context.Context) (driver.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queue != nil {
		return f.queue, nil
	}

	ch, err := channelOf(ctx, f.chf)
	if err != nil {
		return nil, err
	}

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

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Consume subscribes to the queue with manual acknowledgment
func (q *Queue) Consume(ctx context.Context, opts driver.ConsumeOptions) (driver.Deliveries, error) {
	ch, err := channelOf(ctx, q.chf)
	if err != nil {
		return nil, err
	}

	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	deliveries, err := ch.Consume(q.name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, classify("consume", "queue", q.name, err)
	}

	return driver.NewStream(tag, deliveries,
		func(d amqp.Delivery) *driver.ReceivedMessage {
			return fromDelivery(d, q.name)
		},
		func() error {
			if ch.IsClosed() {
				return nil
			}
			return ch.Cancel(tag, false)
		},
	), nil
}

// Get fetches a single message, driver.ErrNoMessage when the queue is empty
func (q *Queue) Get(ctx context.Context) (*driver.ReceivedMessage, error) {
	ch, err := channelOf(ctx, q.chf)
	if err != nil {
		return nil, err
	}

	d, ok, err := ch.Get(q.name, false)
	if err != nil {
		return nil, classify("get", "queue", q.name, err)
	}
	if !ok {
		return nil, driver.ErrNoMessage
	}
	return fromDelivery(d, q.name), nil
}

// Purge removes all ready messages and returns how many were dropped
func (q *Queue) Purge(ctx context.Context) (int, error) {
	ch, err := channelOf(ctx, q.chf)
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(q.name, false)
	if err != nil {
		return 0, classify("purge queue", "queue", q.name, err)
	}
	return n, nil
}

// Delete removes the queue from the broker
func (q *Queue) Delete(ctx context.Context) error {
	ch, err := channelOf(ctx, q.chf)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(q.name, false, false, false); err != nil {
		return classify("delete queue", "queue", q.name, err)
	}
	return nil
}
