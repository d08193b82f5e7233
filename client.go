// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/factory"
	"github.com/glimte/mmate-amqp/interceptors"
	"github.com/glimte/mmate-amqp/listeners"
	"github.com/glimte/mmate-amqp/publisher"
	"github.com/glimte/mmate-amqp/registry"
	"github.com/glimte/mmate-amqp/roundrobin"
)

// ErrRoundRobinDisabled is returned by RunRoundRobin when round_robin.enabled is off
var ErrRoundRobinDisabled = errors.New("mmate: round robin is disabled")

// Runtime holds every connection, topology declaration, publisher and
// consumer built from one configuration
type Runtime struct {
	cfg    *config.Config
	opts   *runtimeConfig
	logger *slog.Logger

	drivers     *registry.Registry[*factory.DriverFactory]
	connections *registry.Registry[driver.ConnectionFactory]
	exchanges   *registry.Registry[exchangeEntry]
	queues      *registry.Registry[queueEntry]
	publishers  *registry.Registry[publisher.Publisher]
	consumers   *registry.Registry[consumer.Consumer]

	savepoints []*publisher.SavepointPublisher
	channels   []driver.ChannelFactory
	ping       *listeners.Ping
}

type exchangeEntry struct {
	connection string
	def        definition.Exchange
}

type queueEntry struct {
	connection string
	def        definition.Queue
}

// RuntimeOption configures a Runtime
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	logger              *slog.Logger
	backend             factory.Backend
	debug               bool
	flags               config.Flags
	handlers            map[string]consumer.Handler
	consumerMiddleware  map[string]consumer.Middleware
	publisherMiddleware map[string]publisher.Middleware
	observers           map[string]consumer.Observer
	checkers            map[string]consumer.Checker
	tickHandlers        map[string]consumer.TickFunc
	tagGenerators       map[string]consumer.TagGenerator
	pingers             map[string]listeners.Pinger
	resetter            interceptors.Resetter
	metrics             *interceptors.Metrics
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// WithBackend replaces the driver selected by every connection DSN
func WithBackend(backend factory.Backend) RuntimeOption {
	return func(c *runtimeConfig) {
		c.backend = backend
	}
}

// WithDebug turns on debug mode. Round robin is enabled by default in debug mode.
func WithDebug(debug bool) RuntimeOption {
	return func(c *runtimeConfig) {
		c.debug = debug
	}
}

// WithHandler registers a message handler under name
func WithHandler(name string, handler consumer.Handler) RuntimeOption {
	return func(c *runtimeConfig) {
		c.handlers[name] = handler
	}
}

// WithConsumerMiddleware registers a consumer middleware under name
func WithConsumerMiddleware(name string, m consumer.Middleware) RuntimeOption {
	return func(c *runtimeConfig) {
		c.consumerMiddleware[name] = m
	}
}

// WithPublisherMiddleware registers a publisher middleware under name
func WithPublisherMiddleware(name string, m publisher.Middleware) RuntimeOption {
	return func(c *runtimeConfig) {
		c.publisherMiddleware[name] = m
	}
}

// WithEventHandler registers a consumer event observer under name
func WithEventHandler(name string, o consumer.Observer) RuntimeOption {
	return func(c *runtimeConfig) {
		c.observers[name] = o
	}
}

// WithChecker registers a consumer checker under name
func WithChecker(name string, checker consumer.Checker) RuntimeOption {
	return func(c *runtimeConfig) {
		c.checkers[name] = checker
	}
}

// WithTickHandler registers a loop strategy tick handler under name
func WithTickHandler(name string, tick consumer.TickFunc) RuntimeOption {
	return func(c *runtimeConfig) {
		c.tickHandlers[name] = tick
	}
}

// WithTagGenerator registers a consumer tag generator under name
func WithTagGenerator(name string, g consumer.TagGenerator) RuntimeOption {
	return func(c *runtimeConfig) {
		c.tagGenerators[name] = g
	}
}

// WithPassiveFlag registers the flag resolving passive = "@=name"
func WithPassiveFlag(name string, flag func() bool) RuntimeOption {
	return func(c *runtimeConfig) {
		c.flags[name] = flag
	}
}

// WithPinger registers an extra connection for the ping listener
func WithPinger(name string, p listeners.Pinger) RuntimeOption {
	return func(c *runtimeConfig) {
		c.pingers[name] = p
	}
}

// WithResetter sets what the release-memory middleware and listener reset
func WithResetter(r interceptors.Resetter) RuntimeOption {
	return func(c *runtimeConfig) {
		c.resetter = r
	}
}

// WithMetrics enables the "metrics" middleware and event handler names
func WithMetrics(m *interceptors.Metrics) RuntimeOption {
	return func(c *runtimeConfig) {
		c.metrics = m
	}
}

// New builds a Runtime from cfg. Nothing connects to a broker until a
// consumer runs, a publisher publishes or topology is declared.
func New(cfg *config.Config, options ...RuntimeOption) (*Runtime, error) {
	opts := &runtimeConfig{
		logger:              slog.Default(),
		flags:               config.Flags{},
		handlers:            map[string]consumer.Handler{},
		consumerMiddleware:  map[string]consumer.Middleware{},
		publisherMiddleware: map[string]publisher.Middleware{},
		observers:           map[string]consumer.Observer{},
		checkers:            map[string]consumer.Checker{},
		tickHandlers:        map[string]consumer.TickFunc{},
		tagGenerators:       map[string]consumer.TagGenerator{},
		pingers:             map[string]listeners.Pinger{},
	}

	for _, opt := range options {
		opt(opts)
	}

	r := &Runtime{
		cfg:         cfg,
		opts:        opts,
		logger:      opts.logger,
		drivers:     registry.New[*factory.DriverFactory]("driver"),
		connections: registry.New[driver.ConnectionFactory]("connection"),
		exchanges:   registry.New[exchangeEntry]("exchange"),
		queues:      registry.New[queueEntry]("queue"),
		publishers:  registry.New[publisher.Publisher]("publisher"),
		consumers:   registry.New[consumer.Consumer]("consumer"),
	}

	if err := r.build(); err != nil {
		_ = r.Close()
		return nil, err
	}

	r.logger.Debug("runtime built",
		"connections", r.connections.Len(),
		"publishers", r.publishers.Len(),
		"consumers", r.consumers.Len())

	return r, nil
}

// Publisher returns the publisher registered under key
func (r *Runtime) Publisher(key string) (publisher.Publisher, error) {
	return r.publishers.Get(key)
}

// Consumer returns the consumer registered under key
func (r *Runtime) Consumer(key string) (consumer.Consumer, error) {
	return r.consumers.Get(key)
}

// Connection returns the connection factory registered under key
func (r *Runtime) Connection(key string) (driver.ConnectionFactory, error) {
	return r.connections.Get(key)
}

// ListConsumers returns every consumer key, sorted
func (r *Runtime) ListConsumers() []string {
	return r.consumers.SortedKeys()
}

// RunConsumer runs the consumer key. With messages above zero it stops once
// that many messages were handled or a read waits longer than readTimeout;
// otherwise it runs in its configured mode until ctx is done.
func (r *Runtime) RunConsumer(ctx context.Context, key string, messages int, readTimeout time.Duration) error {
	c, err := r.consumers.Get(key)
	if err != nil {
		return err
	}

	r.logger.Debug("running consumer", "consumer", key, "messages", messages)

	if messages <= 0 {
		return c.Run(ctx)
	}

	_, err = c.RunBudget(ctx, consumer.Budget{Messages: messages, ReadTimeout: readTimeout})
	return err
}

// RunRoundRobin cycles through keys, or every consumer when none are given,
// until ctx is done or round_robin.full_timeout elapses
func (r *Runtime) RunRoundRobin(ctx context.Context, keys ...string) error {
	cfg, enabled := r.cfg.Scheduler(r.opts.debug)
	if !enabled {
		return ErrRoundRobinDisabled
	}

	if len(keys) == 0 {
		keys = r.consumers.SortedKeys()
	}

	return roundrobin.New(cfg, r.consumers, keys, roundrobin.WithLogger(r.logger)).Run(ctx)
}

// InitExchanges declares every exchange, bindings included
func (r *Runtime) InitExchanges(ctx context.Context) error {
	return r.exchanges.Each(func(key string, e exchangeEntry) error {
		df, chf, err := r.topologyChannel(e.connection)
		if err != nil {
			return err
		}
		defer chf.Close()

		if _, err := df.CreateExchangeFactory(chf, e.def).Create(ctx); err != nil {
			return fmt.Errorf("declare exchange %q: %w", key, err)
		}
		r.logger.Debug("exchange declared", "exchange", key)
		return nil
	})
}

// InitQueues declares every queue, bindings included
func (r *Runtime) InitQueues(ctx context.Context) error {
	return r.queues.Each(func(key string, q queueEntry) error {
		df, chf, err := r.topologyChannel(q.connection)
		if err != nil {
			return err
		}
		defer chf.Close()

		if _, err := df.CreateQueueFactory(chf, q.def).Create(ctx); err != nil {
			return fmt.Errorf("declare queue %q: %w", key, err)
		}
		r.logger.Debug("queue declared", "queue", key)
		return nil
	})
}

// ExchangeKeys returns every declared exchange key, delay exchange included
func (r *Runtime) ExchangeKeys() []string {
	return r.exchanges.SortedKeys()
}

// QueueKeys returns every declared queue key, delay queues included
func (r *Runtime) QueueKeys() []string {
	return r.queues.SortedKeys()
}

// FlushSavepoints publishes everything buffered by savepoint publishers
func (r *Runtime) FlushSavepoints(ctx context.Context) error {
	return publisher.FlushAll(ctx, r.savepoints...)
}

// DiscardSavepoints drops everything buffered by savepoint publishers
func (r *Runtime) DiscardSavepoints() {
	publisher.DiscardAll(r.savepoints...)
}

// Close stops every consumer, then closes channels and connections
func (r *Runtime) Close() error {
	var errs []error

	_ = r.consumers.Each(func(key string, c consumer.Consumer) error {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %q: %w", key, err))
		}
		return nil
	})

	for _, chf := range r.channels {
		if err := chf.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	_ = r.connections.Each(func(key string, cf driver.ConnectionFactory) error {
		if err := cf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %q: %w", key, err))
		}
		return nil
	})

	return errors.Join(errs...)
}

func (r *Runtime) topologyChannel(connection string) (*factory.DriverFactory, driver.ChannelFactory, error) {
	df, err := r.drivers.Get(connection)
	if err != nil {
		return nil, nil, err
	}
	cf, err := r.connections.Get(connection)
	if err != nil {
		return nil, nil, err
	}
	return df, df.CreateChannelFactory(cf, r.cfg.Channel("", connection)), nil
}
