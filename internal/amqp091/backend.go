package amqp091

import (
	"log/slog"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// Backend creates amqp091 factories
type Backend struct{}

// ConnectionFactory returns a factory dialing one host of def
func (Backend) ConnectionFactory(def definition.Connection, host string, logger *slog.Logger) driver.ConnectionFactory {
	return NewConnectionFactory(def, host, WithLogger(logger))
}

// ChannelFactory returns a factory opening channels on connections made by cf
func (Backend) ChannelFactory(cf driver.ConnectionFactory, def definition.Channel) driver.ChannelFactory {
	return NewChannelFactory(cf, def)
}

// ExchangeFactory returns a factory declaring def on channels made by chf
func (Backend) ExchangeFactory(chf driver.ChannelFactory, def definition.Exchange) driver.ExchangeFactory {
	return NewExchangeFactory(chf, def)
}

// QueueFactory returns a factory declaring def on channels made by chf
func (Backend) QueueFactory(chf driver.ChannelFactory, def definition.Queue) driver.QueueFactory {
	return NewQueueFactory(chf, def)
}
