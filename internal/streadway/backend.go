package streadway

import (
	"log/slog"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// Backend creates streadway factories
type Backend struct{}

func (Backend) ConnectionFactory(def definition.Connection, host string, logger *slog.Logger) driver.ConnectionFactory {
	return NewConnectionFactory(def, host, logger)
}

func (Backend) ChannelFactory(cf driver.ConnectionFactory, def definition.Channel) driver.ChannelFactory {
	return &ChannelFactory{cf: cf, def: def}
}

func (Backend) ExchangeFactory(chf driver.ChannelFactory, def definition.Exchange) driver.ExchangeFactory {
	return &ExchangeFactory{chf: chf, def: def}
}

func (Backend) QueueFactory(chf driver.ChannelFactory, def definition.Queue) driver.QueueFactory {
	return &QueueFactory{chf: chf, def: def}
}
