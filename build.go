package mmate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/delay"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/factory"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/interceptors"
	"github.com/glimte/mmate-amqp/listeners"
	"github.com/glimte/mmate-amqp/publisher"
)

// Built-in middleware, event handler and checker names. Names registered
// through options take precedence.
const (
	NameLogging       = "logging"
	NameMetrics       = "metrics"
	NameRetry         = "retry"
	NameReleaseMemory = "release_memory"
	NameConnection    = "connection"
	NameBreaker       = "circuit_breaker"
)

// delay expired consumer settings
const (
	delayReadTimeout   = 300 * time.Second
	delayPrefetchCount = 3
	delayIdleTimeout   = 100 * time.Millisecond
)

const checkerTimeout = 5 * time.Second

func (r *Runtime) build() error {
	steps := []func() error{
		r.buildConnections,
		r.buildExchanges,
		r.buildQueues,
		r.buildDelayTopology,
		r.buildPublishers,
		r.buildDelayPublishers,
		r.buildListeners,
		r.buildConsumers,
		r.buildDelayConsumer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) buildConnections() error {
	for _, key := range r.cfg.ConnectionKeys() {
		conn, err := r.cfg.Connection(key)
		if err != nil {
			return &driver.ConfigurationError{Key: "connections." + key + ".dsn", Reason: "invalid dsn", Err: err}
		}

		opts := []factory.Option{factory.WithLogger(r.logger)}
		if r.opts.backend != nil {
			opts = append(opts, factory.WithBackend(r.opts.backend))
		}

		df, err := factory.New(conn, opts...)
		if err != nil {
			return err
		}

		r.drivers.Add(key, df)
		r.connections.Add(key, df.CreateConnectionFactory())
	}
	return nil
}

func (r *Runtime) buildExchanges() error {
	for _, key := range r.cfg.ExchangeKeys() {
		def, err := r.cfg.Exchange(key, r.opts.flags)
		if err != nil {
			return err
		}
		r.exchanges.Add(key, exchangeEntry{connection: r.cfg.Exchanges[key].Connection, def: def})
	}
	return nil
}

func (r *Runtime) buildQueues() error {
	for _, key := range r.cfg.QueueKeys() {
		def, err := r.cfg.Queue(key, r.opts.flags)
		if err != nil {
			return err
		}
		r.queues.Add(key, queueEntry{connection: r.cfg.Queues[key].Connection, def: def})
	}
	return nil
}

func (r *Runtime) buildDelayTopology() error {
	if r.cfg.Delay == nil {
		return nil
	}

	dc := r.cfg.DelayConfig()
	if err := dc.Validate(); err != nil {
		return &driver.ConfigurationError{Key: "delay", Reason: "invalid delay configuration", Err: err}
	}

	if err := r.addExchange(dc.Exchange, exchangeEntry{connection: dc.Connection, def: dc.ExchangeDefinition()}); err != nil {
		return err
	}

	defaults := r.cfg.DefaultQueueArguments()
	expired, err := dc.ExpiredQueueDefinition(defaults)
	if err != nil {
		return &driver.ConfigurationError{Key: "delay.expired_queue", Reason: "invalid queue arguments", Err: err}
	}
	if err := r.addQueue(dc.ExpiredQueue, queueEntry{connection: dc.Connection, def: expired}); err != nil {
		return err
	}

	for _, b := range dc.Buckets {
		landfill, err := dc.LandfillDefinition(b, defaults)
		if err != nil {
			return &driver.ConfigurationError{Key: "delay.delays." + b.Key, Reason: "invalid queue arguments", Err: err}
		}
		if err := r.addQueue(b.Queue, queueEntry{connection: dc.Connection, def: landfill}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) addExchange(key string, e exchangeEntry) error {
	if r.exchanges.Has(key) {
		return &driver.ConfigurationError{Key: "exchanges." + key, Reason: "exchange key is reserved by the delay subsystem"}
	}
	r.exchanges.Add(key, e)
	return nil
}

func (r *Runtime) addQueue(key string, q queueEntry) error {
	if r.queues.Has(key) {
		return &driver.ConfigurationError{Key: "queues." + key, Reason: "queue key is reserved by the delay subsystem"}
	}
	r.queues.Add(key, q)
	return nil
}

func (r *Runtime) buildPublishers() error {
	for _, key := range r.cfg.PublisherKeys() {
		rp, err := r.cfg.Publisher(key)
		if err != nil {
			return err
		}

		entry, err := r.exchanges.Get(rp.Exchange)
		if err != nil {
			return &driver.ConfigurationError{Key: "publishers." + key + ".exchange", Reason: "exchange is not configured", Err: err}
		}

		p, err := r.exchangePublisher(key, entry.connection, rp.Channel, entry.def, rp.Middleware)
		if err != nil {
			return err
		}
		r.publishers.Add(key, r.maybeSavepoint(p, rp.Savepoint))
	}
	return nil
}

func (r *Runtime) buildDelayPublishers() error {
	if r.cfg.Delay == nil {
		return nil
	}

	dc := r.cfg.DelayConfig()
	exchange, err := r.exchanges.Get(dc.Exchange)
	if err != nil {
		return err
	}

	for _, b := range dc.Buckets {
		keys, configs := b.PublisherKeys()
		for _, key := range keys {
			if r.publishers.Has(key) {
				return &driver.ConfigurationError{Key: "delay.delays." + b.Key + ".publishers", Reason: fmt.Sprintf("publisher %q is already configured", key)}
			}

			pc := configs[key]
			inner, err := r.exchangePublisher(key, dc.Connection, pc.Channel, exchange.def, r.cfg.PublisherMiddleware)
			if err != nil {
				return err
			}
			r.publishers.Add(key, delay.NewPublisher(r.maybeSavepoint(inner, pc.Savepoint), b.Routing))
		}
	}
	return nil
}

func (r *Runtime) maybeSavepoint(p publisher.Publisher, savepoint bool) publisher.Publisher {
	if !savepoint {
		return p
	}
	sp := publisher.NewSavepoint(p)
	r.savepoints = append(r.savepoints, sp)
	return sp
}

func (r *Runtime) exchangePublisher(key, connection, channel string, def definition.Exchange, middleware []string) (*publisher.ExchangePublisher, error) {
	df, cf, err := r.driverFor(connection)
	if err != nil {
		return nil, err
	}

	mw, err := r.publisherMiddleware(key, middleware)
	if err != nil {
		return nil, err
	}

	chf := df.CreateChannelFactory(cf, r.cfg.Channel(channel, connection))
	r.channels = append(r.channels, chf)

	return publisher.New(df.CreateExchangeFactory(chf, def),
		publisher.WithMiddleware(mw...),
		publisher.WithLogger(r.logger),
	), nil
}

func (r *Runtime) driverFor(connection string) (*factory.DriverFactory, driver.ConnectionFactory, error) {
	df, err := r.drivers.Get(connection)
	if err != nil {
		return nil, nil, err
	}
	cf, err := r.connections.Get(connection)
	if err != nil {
		return nil, nil, err
	}
	return df, cf, nil
}

func (r *Runtime) buildListeners() error {
	l := r.cfg.Listeners

	if l.PingConnections != nil && *l.PingConnections > 0 {
		r.ping = listeners.NewPing(time.Duration(*l.PingConnections)*time.Second, listeners.WithLogger(r.logger))
		for _, key := range r.connections.SortedKeys() {
			cf, _ := r.connections.Get(key)
			r.ping.Add(key, connectionPinger{factory: cf})
		}
		for _, key := range sortedNames(r.opts.pingers) {
			r.ping.Add(key, r.opts.pingers[key])
		}
	}
	return nil
}

// observers returns the event handlers shared by every consumer
func (r *Runtime) observers() ([]consumer.Observer, error) {
	var out []consumer.Observer
	for _, name := range r.cfg.ConsumerEventHandlers {
		o, ok := r.opts.observers[name]
		switch {
		case ok:
		case name == NameMetrics && r.opts.metrics != nil:
			o = r.opts.metrics.Observer()
		default:
			return nil, &driver.ConfigurationError{Key: "consumer_event_handlers", Reason: fmt.Sprintf("event handler %q is not registered", name)}
		}
		out = append(out, o)
	}

	if l := r.cfg.Listeners.ReleaseMemory; l != nil {
		out = append(out, listeners.NewReleaseMemory(r.opts.resetter, *l))
	}
	if r.ping != nil {
		out = append(out, r.ping)
	}
	return out, nil
}

func (r *Runtime) buildConsumers() error {
	observers, err := r.observers()
	if err != nil {
		return err
	}

	for _, key := range r.cfg.ConsumerKeys() {
		rc, err := r.cfg.Consumer(key)
		if err != nil {
			return err
		}
		c, err := r.newConsumer(rc, observers)
		if err != nil {
			return err
		}
		r.consumers.Add(key, c)
	}
	return nil
}

func (r *Runtime) buildDelayConsumer() error {
	if r.cfg.Delay == nil {
		return nil
	}

	dc := r.cfg.DelayConfig()
	if r.consumers.Has(dc.ConsumerKey) {
		return &driver.ConfigurationError{Key: "delay.consumer_key", Reason: fmt.Sprintf("consumer %q is already configured", dc.ConsumerKey)}
	}

	exchange, err := r.exchanges.Get(dc.Exchange)
	if err != nil {
		return err
	}

	// remaining hops go back through one undecorated delay exchange publisher
	landfill, err := r.exchangePublisher(dc.ConsumerKey, dc.Connection, "", exchange.def, r.cfg.PublisherMiddleware)
	if err != nil {
		return err
	}

	var handlers []consumer.Handler
	for _, b := range dc.Buckets {
		handlers = append(handlers, delay.NewExpiredHandler(r.publishers, landfill, b.Routing, delay.WithLogger(r.logger)))
	}

	observers, err := r.observers()
	if err != nil {
		return err
	}

	tags := consumer.PrefixTagGenerator{Prefix: dc.ConsumerKey + "-"}
	rc := config.Consumer{
		Key:         dc.ConsumerKey,
		Queue:       dc.ExpiredQueue,
		Connection:  dc.Connection,
		Mode:        consumer.ModeLoop,
		Strategy:    dc.Strategy,
		IdleTimeout: delayIdleTimeout,
		Middleware:  append([]string(nil), r.cfg.ConsumerMiddleware...),
		Loop: consumer.LoopConfig{
			ReadTimeout:    delayReadTimeout,
			RequeueOnError: true,
			PrefetchCount:  delayPrefetchCount,
			TagGenerator:   tags,
		},
	}

	c, err := r.newConsumer(rc, observers, consumer.WithHandler(handlers...))
	if err != nil {
		return err
	}
	r.consumers.Add(dc.ConsumerKey, c)
	return nil
}

func (r *Runtime) newConsumer(rc config.Consumer, observers []consumer.Observer, extra ...consumer.Option) (consumer.Consumer, error) {
	prefix := "consumers." + rc.Key

	df, cf, err := r.driverFor(rc.Connection)
	if err != nil {
		return nil, err
	}

	queue, err := r.queues.Get(rc.Queue)
	if err != nil {
		return nil, &driver.ConfigurationError{Key: prefix + ".queue", Reason: "queue is not configured", Err: err}
	}

	// the implicit channel takes the consumer's prefetch, a named one keeps its own QoS
	chDef := r.cfg.Channel(rc.Channel, rc.Connection)
	if rc.Channel == "" {
		chDef.PrefetchCount = rc.Loop.PrefetchCount
	}
	chf := df.CreateChannelFactory(cf, chDef)
	r.channels = append(r.channels, chf)
	qf := df.CreateQueueFactory(chf, queue.def)

	handlers := make([]consumer.Handler, 0, len(rc.Handlers))
	for _, name := range rc.Handlers {
		h, ok := r.opts.handlers[name]
		if !ok {
			return nil, &driver.ConfigurationError{Key: prefix + ".message_handlers", Reason: fmt.Sprintf("handler %q is not registered", name)}
		}
		handlers = append(handlers, h)
	}

	mw, err := r.consumerMiddleware(rc.Key, rc.Middleware)
	if err != nil {
		return nil, err
	}

	opts := []consumer.Option{
		consumer.WithHandler(handlers...),
		consumer.WithMiddleware(mw...),
		consumer.WithObserver(observers...),
		consumer.WithLogger(r.logger),
	}

	if rc.Checker != "" {
		checker, ok := r.opts.checkers[rc.Checker]
		switch {
		case ok:
		case rc.Checker == NameConnection:
			checker = health.NewConnectionChecker(cf, checkerTimeout, r.logger)
		default:
			return nil, &driver.ConfigurationError{Key: prefix + ".checker", Reason: fmt.Sprintf("checker %q is not registered", rc.Checker)}
		}
		opts = append(opts, consumer.WithChecker(checker))
	}
	opts = append(opts, extra...)

	if rc.TagGenerator != "" {
		g, ok := r.opts.tagGenerators[rc.TagGenerator]
		if !ok {
			return nil, &driver.ConfigurationError{Key: prefix + ".tag_generator", Reason: fmt.Sprintf("tag generator %q is not registered", rc.TagGenerator)}
		}
		rc.Single.TagGenerator = g
		rc.Spool.TagGenerator = g
		rc.Loop.TagGenerator = g
	}

	var tick consumer.TickFunc
	if rc.TickHandler != "" {
		t, ok := r.opts.tickHandlers[rc.TickHandler]
		if !ok {
			return nil, &driver.ConfigurationError{Key: prefix + ".tick_handler", Reason: fmt.Sprintf("tick handler %q is not registered", rc.TickHandler)}
		}
		tick = t
	}

	strategy, err := consumer.ParseStrategy(rc.Strategy, rc.IdleTimeout, tick)
	if err != nil {
		return nil, &driver.ConfigurationError{Key: prefix + ".strategy", Reason: "unknown strategy", Err: err}
	}

	switch rc.Mode {
	case consumer.ModeSingle, "":
		return consumer.NewSingle(rc.Key, qf, strategy, rc.Single, opts...), nil
	case consumer.ModeSpool:
		return consumer.NewSpool(rc.Key, qf, rc.Spool, opts...), nil
	case consumer.ModeLoop:
		return consumer.NewLoop(rc.Key, qf, strategy, rc.Loop, opts...), nil
	}
	return nil, &driver.ConfigurationError{Key: prefix + ".mode", Reason: fmt.Sprintf("unknown mode %q", rc.Mode)}
}

func (r *Runtime) consumerMiddleware(key string, names []string) ([]consumer.Middleware, error) {
	out := make([]consumer.Middleware, 0, len(names))
	for _, name := range names {
		m, ok := r.opts.consumerMiddleware[name]
		switch {
		case ok:
		case name == NameLogging:
			m = interceptors.NewConsumerLogging(r.logger)
		case name == NameReleaseMemory:
			m = interceptors.NewReleaseMemory(r.opts.resetter, false)
		case name == NameMetrics && r.opts.metrics != nil:
			m = r.opts.metrics.Consumer(key)
		default:
			return nil, &driver.ConfigurationError{Key: "consumers." + key + ".middleware", Reason: fmt.Sprintf("middleware %q is not registered", name)}
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Runtime) publisherMiddleware(key string, names []string) ([]publisher.Middleware, error) {
	out := make([]publisher.Middleware, 0, len(names))
	for _, name := range names {
		m, ok := r.opts.publisherMiddleware[name]
		switch {
		case ok:
		case name == NameLogging:
			m = interceptors.NewPublisherLogging(r.logger)
		case name == NameRetry:
			m = interceptors.NewPublishRetry(nil).WithLogger(r.logger)
		case name == NameBreaker:
			m = interceptors.NewPublishBreaker(key, r.logger)
		case name == NameMetrics && r.opts.metrics != nil:
			m = r.opts.metrics.Publisher(key)
		default:
			return nil, &driver.ConfigurationError{Key: "publishers." + key + ".middleware", Reason: fmt.Sprintf("middleware %q is not registered", name)}
		}
		out = append(out, m)
	}
	return out, nil
}

// connectionPinger reopens a dropped connection, keeping an idle spool warm
type connectionPinger struct {
	factory driver.ConnectionFactory
}

func (p connectionPinger) PingContext(ctx context.Context) error {
	conn, err := p.factory.Create(ctx)
	if err != nil {
		return err
	}
	if !conn.IsConnected() {
		return driver.ErrConnectionClosed
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
