// Package config resolves the runtime configuration from a TOML file. Key
// names follow the bundle layout: connections, channels, exchanges, queues,
// consumers, publishers, round_robin and delay.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"

	"github.com/glimte/mmate-amqp/driver"
)

// Defaults of unset options
const (
	DefaultMode                        = "single"
	DefaultStrategy                    = "consume"
	DefaultRequeueOnError              = true
	DefaultReadTimeout                 = 300.0
	DefaultSpoolTimeout                = 30.0
	DefaultPrefetchCount               = 3
	DefaultIdleTimeoutMicros           = 100000
	DefaultExecutesMessagesPerConsumer = 100
	DefaultConsumersReadTimeout        = 10.0
)

// Config is the whole configuration file
type Config struct {
	Connections           map[string]ConnectionConfig `toml:"connections"`
	Channels              map[string]ChannelConfig    `toml:"channels"`
	Exchanges             map[string]ExchangeConfig   `toml:"exchanges"`
	Queues                map[string]QueueConfig      `toml:"queues"`
	QueueDefaultArguments QueueArgumentsConfig        `toml:"queue_default_arguments"`
	Consumers             map[string]ConsumerConfig   `toml:"consumers"`
	ConsumerDefaults      ConsumerDefaultsConfig      `toml:"consumer_defaults"`
	ConsumerMiddleware    []string                    `toml:"consumer_middleware"`
	ConsumerEventHandlers []string                    `toml:"consumer_event_handlers"`
	Publishers            map[string]PublisherConfig  `toml:"publishers"`
	PublisherMiddleware   []string                    `toml:"publisher_middleware"`
	Listeners             ListenersConfig             `toml:"listeners"`
	RoundRobin            RoundRobinConfig            `toml:"round_robin"`
	Delay                 *DelayConfig                `toml:"delay"`
}

// ConnectionConfig is one broker connection
type ConnectionConfig struct {
	DSN string `toml:"dsn"`
}

// ChannelConfig is a named channel with its QoS
type ChannelConfig struct {
	Connection    string `toml:"connection"`
	PrefetchCount int    `toml:"prefetch_count"`
	PrefetchSize  int    `toml:"prefetch_size"`
	Global        bool   `toml:"global"`
}

// BindingConfig binds to an exchange under a routing key
type BindingConfig struct {
	Exchange string `toml:"exchange"`
	Routing  string `toml:"routing"`
}

// ExchangeArgumentsConfig holds the exchange arguments
type ExchangeArgumentsConfig struct {
	AlternateExchange string         `toml:"alternate-exchange"`
	Custom            map[string]any `toml:"custom"`
}

// ExchangeConfig is one exchange. Passive is a boolean or "@=<flag>".
type ExchangeConfig struct {
	Connection string                  `toml:"connection"`
	Name       string                  `toml:"name"`
	Type       string                  `toml:"type"`
	Durable    *bool                   `toml:"durable"`
	Passive    any                     `toml:"passive"`
	Bindings   []BindingConfig         `toml:"bindings"`
	Unbindings []BindingConfig         `toml:"unbindings"`
	Arguments  ExchangeArgumentsConfig `toml:"arguments"`
}

// QueueArgumentsConfig holds the queue arguments under their short names
type QueueArgumentsConfig struct {
	DeadLetterExchange   string         `toml:"dead-letter-exchange"`
	DeadLetterRoutingKey string         `toml:"dead-letter-routing-key"`
	Expires              int64          `toml:"expires"`
	MaxLength            int64          `toml:"max-length"`
	MaxLengthBytes       int64          `toml:"max-length-bytes"`
	MaxPriority          int64          `toml:"max-priority"`
	MessageTTL           int64          `toml:"message-ttl"`
	Overflow             string         `toml:"overflow"`
	QueueMasterLocator   string         `toml:"queue-master-locator"`
	QueueMode            string         `toml:"queue-mode"`
	QueueType            string         `toml:"queue-type"`
	SingleActiveConsumer *bool          `toml:"single-active-consumer"`
	Custom               map[string]any `toml:"custom"`
}

// QueueConfig is one queue. Passive is a boolean or "@=<flag>".
type QueueConfig struct {
	Connection string               `toml:"connection"`
	Name       string               `toml:"name"`
	Durable    *bool                `toml:"durable"`
	Passive    any                  `toml:"passive"`
	Exclusive  bool                 `toml:"exclusive"`
	AutoDelete bool                 `toml:"auto_delete"`
	Bindings   []BindingConfig      `toml:"bindings"`
	Unbindings []BindingConfig      `toml:"unbindings"`
	Arguments  QueueArgumentsConfig `toml:"arguments"`
}

// ConsumerOptions are the tunables of a consumer. Durations are seconds,
// except idle_timeout which is microseconds.
type ConsumerOptions struct {
	RequeueOnError *bool    `toml:"requeue_on_error"`
	ReadTimeout    *float64 `toml:"read_timeout"`
	Timeout        *float64 `toml:"timeout"`
	PrefetchCount  *int     `toml:"prefetch_count"`
	IdleTimeout    *int64   `toml:"idle_timeout"`
}

// ConsumerConfig is one consumer. Handlers, middleware, tick handler, tag
// generator and checker are names resolved by the runtime.
type ConsumerConfig struct {
	Queue           string          `toml:"queue"`
	Channel         string          `toml:"channel"`
	Mode            string          `toml:"mode"`
	Strategy        string          `toml:"strategy"`
	TickHandler     string          `toml:"tick_handler"`
	TagGenerator    string          `toml:"tag_generator"`
	Checker         string          `toml:"checker"`
	MessageHandlers []string        `toml:"message_handlers"`
	Middleware      []string        `toml:"middleware"`
	Options         ConsumerOptions `toml:"options"`
}

// ConsumerDefaultsConfig applies to consumers that leave these unset
type ConsumerDefaultsConfig struct {
	Strategy    string `toml:"strategy"`
	TickHandler string `toml:"tick_handler"`
}

// PublisherConfig is one publisher
type PublisherConfig struct {
	Exchange   string   `toml:"exchange"`
	Channel    string   `toml:"channel"`
	Savepoint  bool     `toml:"savepoint"`
	Middleware []string `toml:"middleware"`
}

// ListenersConfig enables the built-in listeners. ReleaseMemory true clears
// before handling, false after, unset disables. PingConnections is the ping
// interval in seconds, unset disables.
type ListenersConfig struct {
	ReleaseMemory   *bool  `toml:"release_memory"`
	PingConnections *int64 `toml:"ping_connections"`
}

// RoundRobinConfig configures the round-robin scheduler. Enabled defaults to
// the debug flag of the environment.
type RoundRobinConfig struct {
	Enabled                     *bool   `toml:"enabled"`
	ExecutesMessagesPerConsumer int     `toml:"executes_messages_per_consumer"`
	ConsumersReadTimeout        float64 `toml:"consumers_read_timeout"`
	FullTimeout                 float64 `toml:"full_timeout"`
}

// DelayPublisherConfig is one publisher of a delay bucket
type DelayPublisherConfig struct {
	Channel   string `toml:"channel"`
	Savepoint bool   `toml:"savepoint"`
}

// DelayEntryConfig is one delay bucket; ttl is in milliseconds
type DelayEntryConfig struct {
	Queue      string                          `toml:"queue"`
	Routing    string                          `toml:"routing"`
	TTL        int64                           `toml:"ttl"`
	Publishers map[string]DelayPublisherConfig `toml:"publishers"`
}

// DelayConfig configures the delay subsystem
type DelayConfig struct {
	Exchange     string                      `toml:"exchange"`
	ExpiredQueue string                      `toml:"expired_queue"`
	ConsumerKey  string                      `toml:"consumer_key"`
	Connection   string                      `toml:"connection"`
	Strategy     string                      `toml:"strategy"`
	Delays       map[string]DelayEntryConfig `toml:"delays"`
}

// Load reads, defaults and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a TOML document
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, &driver.ConfigurationError{Key: "", Reason: "invalid toml", Err: err}
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	for key, ex := range c.Exchanges {
		if ex.Name == "" {
			ex.Name = key
		}
		if ex.Durable == nil {
			ex.Durable = boolPtr(true)
		}
		c.Exchanges[key] = ex
	}

	for key, q := range c.Queues {
		if q.Name == "" {
			q.Name = key
		}
		if q.Durable == nil {
			q.Durable = boolPtr(true)
		}
		c.Queues[key] = q
	}

	if c.ConsumerDefaults.Strategy == "" {
		c.ConsumerDefaults.Strategy = DefaultStrategy
	}

	for key, cc := range c.Consumers {
		if cc.Mode == "" {
			cc.Mode = DefaultMode
		}
		if cc.Strategy == "" {
			cc.Strategy = c.ConsumerDefaults.Strategy
		}
		if cc.TickHandler == "" {
			cc.TickHandler = c.ConsumerDefaults.TickHandler
		}
		cc.Options = cc.Options.withDefaults()
		c.Consumers[key] = cc
	}

	if c.RoundRobin.ExecutesMessagesPerConsumer == 0 {
		c.RoundRobin.ExecutesMessagesPerConsumer = DefaultExecutesMessagesPerConsumer
	}
	if c.RoundRobin.ConsumersReadTimeout == 0 {
		c.RoundRobin.ConsumersReadTimeout = DefaultConsumersReadTimeout
	}

	if c.Delay != nil && c.Delay.Strategy == "" {
		c.Delay.Strategy = c.ConsumerDefaults.Strategy
	}
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.RequeueOnError == nil {
		o.RequeueOnError = boolPtr(DefaultRequeueOnError)
	}
	if o.ReadTimeout == nil {
		v := DefaultReadTimeout
		o.ReadTimeout = &v
	}
	if o.Timeout == nil {
		v := DefaultSpoolTimeout
		o.Timeout = &v
	}
	if o.PrefetchCount == nil {
		v := DefaultPrefetchCount
		o.PrefetchCount = &v
	}
	if o.IdleTimeout == nil {
		v := int64(DefaultIdleTimeoutMicros)
		o.IdleTimeout = &v
	}
	return o
}

func boolPtr(v bool) *bool {
	return &v
}
