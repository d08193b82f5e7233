package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// memBroker is an in-memory backend routing direct and fanout exchanges
type memBroker struct {
	mu        sync.Mutex
	exchanges map[string]definition.Exchange
	queues    map[string]chan *driver.ReceivedMessage
	bindings  map[string][]definition.Binding // by queue name
	channels  []definition.Channel
	declared  []string
	acks      []string
	tag       uint64
}

func newMemBroker() *memBroker {
	return &memBroker{
		exchanges: map[string]definition.Exchange{},
		queues:    map[string]chan *driver.ReceivedMessage{},
		bindings:  map[string][]definition.Binding{},
	}
}

func (b *memBroker) ConnectionFactory(definition.Connection, string, *slog.Logger) driver.ConnectionFactory {
	return memConnectionFactory{}
}

func (b *memBroker) ChannelFactory(_ driver.ConnectionFactory, def definition.Channel) driver.ChannelFactory {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, def)
	return memChannelFactory{}
}

func (b *memBroker) ExchangeFactory(_ driver.ChannelFactory, def definition.Exchange) driver.ExchangeFactory {
	return &memExchange{broker: b, def: def}
}

func (b *memBroker) QueueFactory(_ driver.ChannelFactory, def definition.Queue) driver.QueueFactory {
	return &memQueue{broker: b, def: def}
}

func (b *memBroker) queue(name string) chan *driver.ReceivedMessage {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *driver.ReceivedMessage, 64)
		b.queues[name] = q
	}
	return q
}

func (b *memBroker) declare(kind, name string) {
	b.declared = append(b.declared, kind+":"+name)
}

func (b *memBroker) Declared() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...)
}

func (b *memBroker) Acks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acks...)
}

// Take removes the next message of queue, nil when it is empty
func (b *memBroker) Take(queue string) *driver.ReceivedMessage {
	b.mu.Lock()
	q := b.queue(queue)
	b.mu.Unlock()

	select {
	case m := <-q:
		return m
	default:
		return nil
	}
}

func (b *memBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue))
}

func (b *memBroker) route(exchange string, msg driver.Message, routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []string
	if exchange == "" {
		targets = []string{routingKey}
	} else {
		fanout := b.exchanges[exchange].Type == definition.ExchangeFanout
		for queue, bindings := range b.bindings {
			for _, bind := range bindings {
				if bind.Exchange == exchange && (fanout || bind.RoutingKey == routingKey) {
					targets = append(targets, queue)
					break
				}
			}
		}
	}

	for _, queue := range targets {
		b.tag++
		rm := driver.NewReceivedMessage(msg.Clone(), b, b.tag)
		rm.Exchange = exchange
		rm.RoutingKey = routingKey
		rm.Queue = queue
		b.queue(queue) <- rm
	}
}

func (b *memBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, fmt.Sprintf("ack:%d", tag))
	return nil
}

func (b *memBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, fmt.Sprintf("nack:%d:%t", tag, requeue))
	return nil
}

func (b *memBroker) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, fmt.Sprintf("reject:%d:%t", tag, requeue))
	return nil
}

type memConnectionFactory struct{}

func (memConnectionFactory) Create(context.Context) (driver.Connection, error) {
	return memConnection{}, nil
}

func (memConnectionFactory) Close() error { return nil }

type memConnection struct{}

func (memConnection) IsConnected() bool { return true }
func (memConnection) Close() error      { return nil }

type memChannelFactory struct{}

func (memChannelFactory) Create(context.Context) (driver.Channel, error) {
	return memChannel{}, nil
}

func (memChannelFactory) Close() error { return nil }

type memChannel struct{}

func (memChannel) IsClosed() bool { return false }
func (memChannel) Close() error   { return nil }

type memExchange struct {
	broker *memBroker
	def    definition.Exchange
}

func (e *memExchange) Name() string { return e.def.Name }

func (e *memExchange) Create(context.Context) (driver.Exchange, error) {
	if !e.def.IsDefault() {
		e.broker.mu.Lock()
		e.broker.exchanges[e.def.Name] = e.def
		e.broker.declare("exchange", e.def.Name)
		e.broker.mu.Unlock()
	}
	return e, nil
}

func (e *memExchange) Publish(_ context.Context, msg driver.Message, routingKey string) error {
	e.broker.route(e.def.Name, msg, routingKey)
	return nil
}

func (e *memExchange) Delete(context.Context) error { return nil }

type memQueue struct {
	broker *memBroker
	def    definition.Queue
}

func (q *memQueue) Name() string { return q.def.Name }

func (q *memQueue) Create(context.Context) (driver.Queue, error) {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()

	q.broker.queue(q.def.Name)
	q.broker.bindings[q.def.Name] = append([]definition.Binding(nil), q.def.Bindings...)
	q.broker.declare("queue", q.def.Name)
	return q, nil
}

func (q *memQueue) Consume(_ context.Context, opts driver.ConsumeOptions) (driver.Deliveries, error) {
	q.broker.mu.Lock()
	in := q.broker.queue(q.def.Name)
	q.broker.mu.Unlock()

	identity := func(m *driver.ReceivedMessage) *driver.ReceivedMessage { return m }
	return driver.NewStream(opts.Tag, (<-chan *driver.ReceivedMessage)(in), identity, nil), nil
}

func (q *memQueue) Get(context.Context) (*driver.ReceivedMessage, error) {
	if m := q.broker.Take(q.def.Name); m != nil {
		return m, nil
	}
	return nil, driver.ErrNoMessage
}

func (q *memQueue) Purge(context.Context) (int, error) {
	n := 0
	for q.broker.Take(q.def.Name) != nil {
		n++
	}
	return n, nil
}

func (q *memQueue) Delete(context.Context) error { return nil }
