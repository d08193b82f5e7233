// Package factory builds driver factories for a connection definition,
// dispatching on its driver name.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/internal/amqp091"
	"github.com/glimte/mmate-amqp/internal/streadway"
)

// Backend creates the low-level factories of one client library
type Backend interface {
	ConnectionFactory(def definition.Connection, host string, logger *slog.Logger) driver.ConnectionFactory
	ChannelFactory(cf driver.ConnectionFactory, def definition.Channel) driver.ChannelFactory
	ExchangeFactory(chf driver.ChannelFactory, def definition.Exchange) driver.ExchangeFactory
	QueueFactory(chf driver.ChannelFactory, def definition.Queue) driver.QueueFactory
}

// BackendFor returns the built-in backend for d
func BackendFor(d definition.Driver) (Backend, error) {
	switch d {
	case definition.DriverAmqp091, "":
		return amqp091.Backend{}, nil
	case definition.DriverStreadway:
		return streadway.Backend{}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", d)
}

// DriverFactory creates the factories of one connection
type DriverFactory struct {
	connection definition.Connection
	backend    Backend
	logger     *slog.Logger
}

// Option configures a DriverFactory
type Option func(*DriverFactory)

// WithBackend overrides the backend selected from the driver name
func WithBackend(backend Backend) Option {
	return func(f *DriverFactory) {
		f.backend = backend
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *DriverFactory) {
		f.logger = logger
	}
}

// New creates a DriverFactory for conn. An unknown driver is a
// *driver.ConfigurationError.
func New(conn definition.Connection, options ...Option) (*DriverFactory, error) {
	f := &DriverFactory{
		connection: conn,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	if f.backend == nil {
		backend, err := BackendFor(conn.Driver)
		if err != nil {
			return nil, &driver.ConfigurationError{
				Key:    "connections." + conn.Key + ".driver",
				Reason: "unsupported driver",
				Err:    err,
			}
		}
		f.backend = backend
	}

	return f, nil
}

// Connection returns the connection definition
func (f *DriverFactory) Connection() definition.Connection {
	return f.connection
}

// CreateConnectionFactory returns a spool over one factory per host
func (f *DriverFactory) CreateConnectionFactory() driver.ConnectionFactory {
	logger := f.logger.With("connection", f.connection.Key, "driver", string(f.connection.Driver))

	hosts := make([]driver.ConnectionFactory, 0, len(f.connection.Hosts))
	for _, host := range f.connection.Hosts {
		hosts = append(hosts, f.backend.ConnectionFactory(f.connection, host, logger))
	}

	return driver.NewSpoolConnectionFactory(hosts, driver.WithSpoolLogger(logger))
}

// CreateChannelFactory returns a factory for one channel on cf
func (f *DriverFactory) CreateChannelFactory(cf driver.ConnectionFactory, def definition.Channel) driver.ChannelFactory {
	return f.backend.ChannelFactory(cf, def)
}

// CreateExchangeFactory returns a factory declaring def on chf
func (f *DriverFactory) CreateExchangeFactory(chf driver.ChannelFactory, def definition.Exchange) driver.ExchangeFactory {
	return f.backend.ExchangeFactory(chf, def)
}

// CreateQueueFactory returns a factory declaring def on chf
func (f *DriverFactory) CreateQueueFactory(chf driver.ChannelFactory, def definition.Queue) driver.QueueFactory {
	return f.backend.QueueFactory(chf, def)
}
