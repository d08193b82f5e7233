package amqp091

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// ExchangeFactory declares its exchange once, applies bindings and unbindings,
// then hands out the cached publishing handle
type ExchangeFactory struct {
	chf driver.ChannelFactory
	def definition.Exchange

	mu       sync.Mutex
	exchange *Exchange
}

// NewExchangeFactory creates an exchange factory
func NewExchangeFactory(chf driver.ChannelFactory, def definition.Exchange) *ExchangeFactory {
	return &ExchangeFactory{chf: chf, def: def}
}

// Name returns the exchange name
func (f *ExchangeFactory) Name() string {
	return f.def.Name
}

// Create declares the exchange on first use
func (f *ExchangeFactory) Create(ctx context.Context) (driver.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exchange != nil {
		return f.exchange, nil
	}

	ch, err := channelOf(ctx, f.chf)
	if err != nil {
		return nil, err
	}

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

// Name returns the exchange name
func (e *Exchange) Name() string {
	return e.name
}

// Publish sends msg with routingKey
func (e *Exchange) Publish(ctx context.Context, msg driver.Message, routingKey string) error {
	ch, err := channelOf(ctx, e.chf)
	if err != nil {
		return &driver.PublishError{Exchange: e.name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, e.name, routingKey, false, false, toPublishing(msg)); err != nil {
		return &driver.PublishError{
			Exchange:   e.name,
			RoutingKey: routingKey,
			Err:        classify("publish", "exchange", e.name, err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Delete removes the exchange from the broker
func (e *Exchange) Delete(ctx context.Context) error {
	ch, err := channelOf(ctx, e.chf)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDelete(e.name, false, false); err != nil {
		return classify("delete exchange", "exchange", e.name, err)
	}
	return nil
}
