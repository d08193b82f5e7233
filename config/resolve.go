package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/delay"
	"github.com/glimte/mmate-amqp/roundrobin"
)

// Flags resolves "@=<name>" passive flags
type Flags map[string]func() bool

// Consumer is a resolved consumer configuration
type Consumer struct {
	Key          string
	Queue        string
	Connection   string
	Channel      string
	Mode         string
	Strategy     string
	IdleTimeout  time.Duration
	TickHandler  string
	TagGenerator string
	Checker      string
	Handlers     []string
	Middleware   []string
	Single       consumer.SingleConfig
	Spool        consumer.SpoolConfig
	Loop         consumer.LoopConfig
}

// Publisher is a resolved publisher configuration
type Publisher struct {
	Key        string
	Exchange   string
	Connection string
	Channel    string
	Savepoint  bool
	Middleware []string
}

// Connection returns the parsed connection definition
func (c *Config) Connection(key string) (definition.Connection, error) {
	cc, ok := c.Connections[key]
	if !ok {
		return definition.Connection{}, invalid("connections."+key, "connection is not configured", nil)
	}
	return definition.ParseDSN(key, cc.DSN)
}

// Channel returns the channel definition named key on connection. An empty
// key names the implicit per-connection channel without QoS.
func (c *Config) Channel(key, connection string) definition.Channel {
	ch, ok := c.Channels[key]
	if !ok {
		return definition.Channel{Key: connection, ConnectionKey: connection}
	}
	return definition.Channel{
		Key:           key,
		ConnectionKey: ch.Connection,
		PrefetchCount: ch.PrefetchCount,
		PrefetchSize:  ch.PrefetchSize,
		Global:        ch.Global,
	}
}

// Exchange returns the definition of the configured exchange key
func (c *Config) Exchange(key string, flags Flags) (definition.Exchange, error) {
	ex, ok := c.Exchanges[key]
	if !ok {
		return definition.Exchange{}, invalid("exchanges."+key, "exchange is not configured", nil)
	}

	typ, err := definition.ParseExchangeType(ex.Type)
	if err != nil {
		return definition.Exchange{}, invalid("exchanges."+key+".type", err.Error(), err)
	}
	passive, err := resolvePassive("exchanges."+key+".passive", ex.Passive, flags)
	if err != nil {
		return definition.Exchange{}, err
	}
	args, err := ex.Arguments.toDefinition().Build()
	if err != nil {
		return definition.Exchange{}, invalid("exchanges."+key+".arguments", err.Error(), err)
	}

	return definition.Exchange{
		Name:       definition.NormalizeExchangeName(ex.Name),
		Type:       typ,
		Durable:    *ex.Durable,
		Passive:    passive,
		Arguments:  args,
		Bindings:   toBindings(ex.Bindings),
		Unbindings: toBindings(ex.Unbindings),
	}, nil
}

// Queue returns the definition of the configured queue key, its arguments
// merged over queue_default_arguments
func (c *Config) Queue(key string, flags Flags) (definition.Queue, error) {
	q, ok := c.Queues[key]
	if !ok {
		return definition.Queue{}, invalid("queues."+key, "queue is not configured", nil)
	}

	passive, err := resolvePassive("queues."+key+".passive", q.Passive, flags)
	if err != nil {
		return definition.Queue{}, err
	}
	args, err := c.queueArguments(q)
	if err != nil {
		return definition.Queue{}, invalid("queues."+key+".arguments", err.Error(), err)
	}

	return definition.Queue{
		Name:       q.Name,
		Durable:    *q.Durable,
		Passive:    passive,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
		Arguments:  args,
		Bindings:   toBindings(q.Bindings),
		Unbindings: toBindings(q.Unbindings),
	}, nil
}

// DefaultQueueArguments returns queue_default_arguments
func (c *Config) DefaultQueueArguments() definition.QueueArguments {
	return c.QueueDefaultArguments.toDefinition()
}

// Consumer returns the resolved consumer key. Global middleware comes first.
func (c *Config) Consumer(key string) (Consumer, error) {
	cc, ok := c.Consumers[key]
	if !ok {
		return Consumer{}, invalid("consumers."+key, "consumer is not configured", nil)
	}

	o := cc.Options
	readTimeout := seconds(*o.ReadTimeout)
	tags := consumer.PrefixTagGenerator{Prefix: key + "-"}

	return Consumer{
		Key:          key,
		Queue:        cc.Queue,
		Connection:   c.Queues[cc.Queue].Connection,
		Channel:      cc.Channel,
		Mode:         cc.Mode,
		Strategy:     cc.Strategy,
		IdleTimeout:  time.Duration(*o.IdleTimeout) * time.Microsecond,
		TickHandler:  cc.TickHandler,
		TagGenerator: cc.TagGenerator,
		Checker:      cc.Checker,
		Handlers:     append([]string(nil), cc.MessageHandlers...),
		Middleware:   append(append([]string(nil), c.ConsumerMiddleware...), cc.Middleware...),
		Single: consumer.SingleConfig{
			RequeueOnError: *o.RequeueOnError,
			PrefetchCount:  *o.PrefetchCount,
			TagGenerator:   tags,
		},
		Spool: consumer.SpoolConfig{
			PrefetchCount:  *o.PrefetchCount,
			Timeout:        seconds(*o.Timeout),
			ReadTimeout:    readTimeout,
			RequeueOnError: *o.RequeueOnError,
			TagGenerator:   tags,
		},
		Loop: consumer.LoopConfig{
			ReadTimeout:    readTimeout,
			RequeueOnError: *o.RequeueOnError,
			PrefetchCount:  *o.PrefetchCount,
			TagGenerator:   tags,
		},
	}, nil
}

// Publisher returns the resolved publisher key. Global middleware comes first.
func (c *Config) Publisher(key string) (Publisher, error) {
	p, ok := c.Publishers[key]
	if !ok {
		return Publisher{}, invalid("publishers."+key, "publisher is not configured", nil)
	}

	return Publisher{
		Key:        key,
		Exchange:   p.Exchange,
		Connection: c.Exchanges[p.Exchange].Connection,
		Channel:    p.Channel,
		Savepoint:  p.Savepoint,
		Middleware: append(append([]string(nil), c.PublisherMiddleware...), p.Middleware...),
	}, nil
}

// DelayConfig returns the delay subsystem configuration with defaults applied.
// The zero Config is returned when the subsystem is not configured.
func (c *Config) DelayConfig() delay.Config {
	if c.Delay == nil {
		return delay.Config{}
	}

	keys := sortedKeys(c.Delay.Delays)
	buckets := make([]delay.Bucket, 0, len(keys))
	for _, key := range keys {
		entry := c.Delay.Delays[key]
		publishers := make(map[string]delay.PublisherConfig, len(entry.Publishers))
		for pk, p := range entry.Publishers {
			publishers[pk] = delay.PublisherConfig{Channel: p.Channel, Savepoint: p.Savepoint}
		}
		buckets = append(buckets, delay.Bucket{
			Key:        key,
			TTL:        time.Duration(entry.TTL) * time.Millisecond,
			Queue:      entry.Queue,
			Routing:    entry.Routing,
			Publishers: publishers,
		})
	}

	return delay.Config{
		Exchange:     c.Delay.Exchange,
		ExpiredQueue: c.Delay.ExpiredQueue,
		ConsumerKey:  c.Delay.ConsumerKey,
		Connection:   c.Delay.Connection,
		Strategy:     c.Delay.Strategy,
		Buckets:      buckets,
	}.WithDefaults()
}

// Scheduler returns the round-robin configuration and whether it is enabled
func (c *Config) Scheduler(debug bool) (roundrobin.Config, bool) {
	rr := c.RoundRobin
	enabled := debug
	if rr.Enabled != nil {
		enabled = *rr.Enabled
	}
	return roundrobin.Config{
		ExecutesMessagesPerConsumer: rr.ExecutesMessagesPerConsumer,
		ConsumersReadTimeout:        seconds(rr.ConsumersReadTimeout),
		FullTimeout:                 seconds(rr.FullTimeout),
	}, enabled
}

// ConsumerKeys returns the configured consumer keys, sorted
func (c *Config) ConsumerKeys() []string {
	return sortedKeys(c.Consumers)
}

// PublisherKeys returns the configured publisher keys, sorted
func (c *Config) PublisherKeys() []string {
	return sortedKeys(c.Publishers)
}

// ExchangeKeys returns the configured exchange keys, sorted
func (c *Config) ExchangeKeys() []string {
	return sortedKeys(c.Exchanges)
}

// QueueKeys returns the configured queue keys, sorted
func (c *Config) QueueKeys() []string {
	return sortedKeys(c.Queues)
}

// ConnectionKeys returns the configured connection keys, sorted
func (c *Config) ConnectionKeys() []string {
	return sortedKeys(c.Connections)
}

func (c *Config) queueArguments(q QueueConfig) (definition.Arguments, error) {
	return c.QueueDefaultArguments.toDefinition().Merge(q.Arguments.toDefinition()).Build()
}

func (a QueueArgumentsConfig) toDefinition() definition.QueueArguments {
	return definition.QueueArguments{
		DeadLetterExchange:   a.DeadLetterExchange,
		DeadLetterRoutingKey: a.DeadLetterRoutingKey,
		Expires:              a.Expires,
		MaxLength:            a.MaxLength,
		MaxLengthBytes:       a.MaxLengthBytes,
		MaxPriority:          a.MaxPriority,
		MessageTTL:           a.MessageTTL,
		Overflow:             a.Overflow,
		QueueMasterLocator:   a.QueueMasterLocator,
		QueueMode:            a.QueueMode,
		QueueType:            a.QueueType,
		SingleActiveConsumer: a.SingleActiveConsumer,
		Custom:               a.Custom,
	}
}

func (a ExchangeArgumentsConfig) toDefinition() definition.ExchangeArguments {
	return definition.ExchangeArguments{
		AlternateExchange: a.AlternateExchange,
		Custom:            a.Custom,
	}
}

func toBindings(list []BindingConfig) []definition.Binding {
	if len(list) == 0 {
		return nil
	}
	out := make([]definition.Binding, len(list))
	for i, b := range list {
		out[i] = definition.Binding{Exchange: b.Exchange, RoutingKey: b.Routing}
	}
	return out
}

func resolvePassive(key string, v any, flags Flags) (definition.Passive, error) {
	switch p := v.(type) {
	case nil:
		return definition.StaticPassive(false), nil
	case bool:
		return definition.StaticPassive(p), nil
	case string:
		name := strings.TrimPrefix(p, PassiveFlagPrefix)
		if flag, ok := flags[name]; ok && name != p {
			return definition.DeferredPassive(flag), nil
		}
		return definition.Passive{}, invalid(key, fmt.Sprintf("passive flag %q is not registered", name), nil)
	}
	return definition.Passive{}, invalid(key, fmt.Sprintf("unsupported passive value %v", v), nil)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
