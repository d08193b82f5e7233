// Package delay builds delayed delivery out of dead-lettering. Each bucket owns
// a landfill queue with a message TTL; nothing consumes it, so the broker
// expires messages back to the delay exchange under ExpiredRoutingKey where a
// single consumer republishes them to their final destination.
package delay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glimte/mmate-amqp/definition"
)

// Header names carried by delayed messages
const (
	HeaderPublisher  = "x-delay-publisher"
	HeaderRoutingKey = "x-delay-routing-key"
	HeaderCounter    = "x-delay-counter"
)

// ExpiredRoutingKey is the dead-letter routing key of every landfill queue
const ExpiredRoutingKey = "message.expired"

// Defaults for an unconfigured subsystem
const (
	DefaultExchange     = "delay"
	DefaultExpiredQueue = "delay.message_expired"
	DefaultConsumerKey  = "delay_expired"
)

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("delay: invalid configuration")

// PublisherConfig configures one publisher of a bucket
type PublisherConfig struct {
	Channel   string
	Savepoint bool
}

// Bucket is one delay duration backed by its own landfill queue
type Bucket struct {
	Key     string
	TTL     time.Duration
	Queue   string
	Routing string
	// Publishers are extra publishers of the bucket, registered as
	// "<bucket>_<key>". The bucket key itself is always registered.
	Publishers map[string]PublisherConfig
}

// Config configures the delay subsystem
type Config struct {
	Exchange     string
	ExpiredQueue string
	ConsumerKey  string
	Connection   string
	Strategy     string
	Buckets      []Bucket
}

// WithDefaults fills every unset name
func (c Config) WithDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.ExpiredQueue == "" {
		c.ExpiredQueue = DefaultExpiredQueue
	}
	if c.ConsumerKey == "" {
		c.ConsumerKey = DefaultConsumerKey
	}

	buckets := make([]Bucket, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.Queue == "" {
			b.Queue = "delay.landfill." + b.Key
		}
		if b.Routing == "" {
			b.Routing = "delay." + b.Key
		}
		buckets[i] = b
	}
	c.Buckets = buckets

	return c
}

// Validate checks a configuration that already had its defaults applied
func (c Config) Validate() error {
	if c.Exchange == "" || c.ExpiredQueue == "" || c.ConsumerKey == "" {
		return fmt.Errorf("%w: exchange, expired queue and consumer key are required", ErrInvalidConfig)
	}

	keys := make(map[string]bool, len(c.Buckets))
	routes := make(map[string]bool, len(c.Buckets))
	for _, b := range c.Buckets {
		switch {
		case b.Key == "":
			return fmt.Errorf("%w: bucket key is required", ErrInvalidConfig)
		case keys[b.Key]:
			return fmt.Errorf("%w: bucket %q is declared twice", ErrInvalidConfig, b.Key)
		case b.TTL < time.Millisecond:
			return fmt.Errorf("%w: bucket %q needs a ttl of at least 1ms", ErrInvalidConfig, b.Key)
		case b.Routing == ExpiredRoutingKey:
			return fmt.Errorf("%w: bucket %q cannot route with %q", ErrInvalidConfig, b.Key, ExpiredRoutingKey)
		case routes[b.Routing]:
			return fmt.Errorf("%w: bucket %q reuses routing key %q", ErrInvalidConfig, b.Key, b.Routing)
		case b.Queue == c.ExpiredQueue:
			return fmt.Errorf("%w: bucket %q cannot use the expired queue", ErrInvalidConfig, b.Key)
		}
		keys[b.Key] = true
		routes[b.Routing] = true
	}

	return nil
}

// PublisherKeys returns the registry keys of the bucket's publishers with
// their configuration, the bucket key first
func (b Bucket) PublisherKeys() ([]string, map[string]PublisherConfig) {
	keys := []string{b.Key}
	configs := map[string]PublisherConfig{b.Key: b.Publishers[b.Key]}

	for key, cfg := range b.Publishers {
		if key == b.Key {
			continue
		}
		full := b.Key + "_" + key
		keys = append(keys, full)
		configs[full] = cfg
	}
	sort.Strings(keys[1:])

	return keys, configs
}

// ExchangeDefinition returns the delay router
func (c Config) ExchangeDefinition() definition.Exchange {
	return definition.Exchange{
		Name:    c.Exchange,
		Type:    definition.ExchangeDirect,
		Durable: true,
		Passive: definition.StaticPassive(false),
	}
}

// ExpiredQueueDefinition returns the queue drained by the expired consumer
func (c Config) ExpiredQueueDefinition(defaults definition.QueueArguments) (definition.Queue, error) {
	args, err := defaults.Build()
	if err != nil {
		return definition.Queue{}, fmt.Errorf("delay queue %q: %w", c.ExpiredQueue, err)
	}

	return definition.Queue{
		Name:      c.ExpiredQueue,
		Durable:   true,
		Passive:   definition.StaticPassive(false),
		Arguments: args,
		Bindings:  []definition.Binding{{Exchange: c.Exchange, RoutingKey: ExpiredRoutingKey}},
	}, nil
}

// LandfillDefinition returns the TTL queue of a bucket. The queue is always
// classic, whatever the default queue type is.
func (c Config) LandfillDefinition(b Bucket, defaults definition.QueueArguments) (definition.Queue, error) {
	args, err := defaults.Merge(definition.QueueArguments{
		DeadLetterExchange:   c.Exchange,
		DeadLetterRoutingKey: ExpiredRoutingKey,
		MessageTTL:           b.TTL.Milliseconds(),
		QueueType:            definition.QueueTypeClassic,
	}).Build()
	if err != nil {
		return definition.Queue{}, fmt.Errorf("delay queue %q: %w", b.Queue, err)
	}

	return definition.Queue{
		Name:      b.Queue,
		Durable:   true,
		Passive:   definition.StaticPassive(false),
		Arguments: args,
		Bindings:  []definition.Binding{{Exchange: c.Exchange, RoutingKey: b.Routing}},
	}, nil
}
