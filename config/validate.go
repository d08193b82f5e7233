package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// PassiveFlagPrefix marks a passive flag resolved at declare time
const PassiveFlagPrefix = "@="

// Validate reports the first invalid key, walking sections in a fixed order
// and keys alphabetically
func (c *Config) Validate() error {
	for _, key := range sortedKeys(c.Connections) {
		if _, err := definition.ParseDSN(key, c.Connections[key].DSN); err != nil {
			return invalid("connections."+key+".dsn", err.Error(), err)
		}
	}

	for _, key := range sortedKeys(c.Channels) {
		ch := c.Channels[key]
		if err := c.requireConnection("channels."+key+".connection", ch.Connection); err != nil {
			return err
		}
		if ch.PrefetchCount < 0 || ch.PrefetchSize < 0 {
			return invalid("channels."+key, "prefetch values must not be negative", nil)
		}
	}

	for _, key := range sortedKeys(c.Exchanges) {
		if err := c.validateExchange(key, c.Exchanges[key]); err != nil {
			return err
		}
	}

	if _, err := c.QueueDefaultArguments.toDefinition().Build(); err != nil {
		return invalid("queue_default_arguments", err.Error(), err)
	}

	for _, key := range sortedKeys(c.Queues) {
		if err := c.validateQueue(key, c.Queues[key]); err != nil {
			return err
		}
	}

	for _, key := range sortedKeys(c.Consumers) {
		if err := c.validateConsumer(key, c.Consumers[key]); err != nil {
			return err
		}
	}

	for _, key := range sortedKeys(c.Publishers) {
		if err := c.validatePublisher(key, c.Publishers[key]); err != nil {
			return err
		}
	}

	if err := c.validateStrategy("consumer_defaults.strategy", c.ConsumerDefaults.Strategy); err != nil {
		return err
	}

	if p := c.Listeners.PingConnections; p != nil && *p <= 0 {
		return invalid("listeners.ping_connections", "must be a positive number of seconds", nil)
	}

	if c.RoundRobin.ExecutesMessagesPerConsumer <= 0 {
		return invalid("round_robin.executes_messages_per_consumer", "must be positive", nil)
	}
	if c.RoundRobin.ConsumersReadTimeout <= 0 {
		return invalid("round_robin.consumers_read_timeout", "must be positive", nil)
	}
	if c.RoundRobin.FullTimeout < 0 {
		return invalid("round_robin.full_timeout", "must not be negative", nil)
	}

	return c.validateDelay()
}

func (c *Config) validateExchange(key string, ex ExchangeConfig) error {
	prefix := "exchanges." + key
	if err := c.requireConnection(prefix+".connection", ex.Connection); err != nil {
		return err
	}
	if _, err := definition.ParseExchangeType(ex.Type); err != nil {
		return invalid(prefix+".type", err.Error(), err)
	}
	if err := validatePassive(prefix+".passive", ex.Passive); err != nil {
		return err
	}
	if err := validateBindings(prefix, ex.Bindings, ex.Unbindings); err != nil {
		return err
	}
	if definition.NormalizeExchangeName(ex.Name) == "" && (len(ex.Bindings) > 0 || len(ex.Unbindings) > 0) {
		return invalid(prefix+".bindings", "the default exchange cannot be bound", nil)
	}
	if _, err := ex.Arguments.toDefinition().Build(); err != nil {
		return invalid(prefix+".arguments", err.Error(), err)
	}
	return nil
}

func (c *Config) validateQueue(key string, q QueueConfig) error {
	prefix := "queues." + key
	if err := c.requireConnection(prefix+".connection", q.Connection); err != nil {
		return err
	}
	if err := validatePassive(prefix+".passive", q.Passive); err != nil {
		return err
	}
	if err := validateBindings(prefix, q.Bindings, q.Unbindings); err != nil {
		return err
	}
	if _, err := c.queueArguments(q); err != nil {
		return invalid(prefix+".arguments", err.Error(), err)
	}
	return nil
}

func (c *Config) validateConsumer(key string, cc ConsumerConfig) error {
	prefix := "consumers." + key

	q, ok := c.Queues[cc.Queue]
	if !ok {
		return invalid(prefix+".queue", fmt.Sprintf("queue %q is not configured", cc.Queue), nil)
	}
	if _, err := consumer.ParseMode(cc.Mode); err != nil {
		return invalid(prefix+".mode", err.Error(), err)
	}
	if err := c.validateStrategy(prefix+".strategy", cc.Strategy); err != nil {
		return err
	}
	if err := c.validateChannel(prefix+".channel", cc.Channel, q.Connection); err != nil {
		return err
	}
	if len(cc.MessageHandlers) == 0 {
		return invalid(prefix+".message_handlers", "at least one message handler is required", nil)
	}

	o := cc.Options
	switch {
	case *o.ReadTimeout < 0:
		return invalid(prefix+".options.read_timeout", "must not be negative", nil)
	case *o.Timeout <= 0:
		return invalid(prefix+".options.timeout", "must be positive", nil)
	case *o.PrefetchCount <= 0:
		return invalid(prefix+".options.prefetch_count", "must be positive", nil)
	case *o.IdleTimeout < 0:
		return invalid(prefix+".options.idle_timeout", "must not be negative", nil)
	}
	return nil
}

func (c *Config) validatePublisher(key string, p PublisherConfig) error {
	prefix := "publishers." + key
	ex, ok := c.Exchanges[p.Exchange]
	if !ok {
		return invalid(prefix+".exchange", fmt.Sprintf("exchange %q is not configured", p.Exchange), nil)
	}
	return c.validateChannel(prefix+".channel", p.Channel, ex.Connection)
}

func (c *Config) validateDelay() error {
	if c.Delay == nil {
		return nil
	}

	if err := c.requireConnection("delay.connection", c.Delay.Connection); err != nil {
		return err
	}
	if err := c.validateStrategy("delay.strategy", c.Delay.Strategy); err != nil {
		return err
	}

	dc := c.DelayConfig()
	if err := dc.Validate(); err != nil {
		return invalid("delay.delays", err.Error(), err)
	}

	if _, ok := c.Consumers[dc.ConsumerKey]; ok {
		return invalid("delay.consumer_key", fmt.Sprintf("consumer %q is already configured", dc.ConsumerKey), nil)
	}

	for _, b := range dc.Buckets {
		keys, configs := b.PublisherKeys()
		for _, pk := range keys {
			if _, ok := c.Publishers[pk]; ok {
				return invalid("delay.delays."+b.Key+".publishers", fmt.Sprintf("publisher %q is already configured", pk), nil)
			}
			if err := c.validateChannel("delay.delays."+b.Key+".publishers."+pk+".channel", configs[pk].Channel, c.Delay.Connection); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Config) requireConnection(key, name string) error {
	if _, ok := c.Connections[name]; !ok {
		return invalid(key, fmt.Sprintf("connection %q is not configured", name), nil)
	}
	return nil
}

// validateChannel checks an optional channel override against the connection
// of the resource it is used with
func (c *Config) validateChannel(key, channel, connection string) error {
	if channel == "" {
		return nil
	}
	ch, ok := c.Channels[channel]
	if !ok {
		return invalid(key, fmt.Sprintf("channel %q is not configured", channel), nil)
	}
	if ch.Connection != connection {
		return invalid(key, fmt.Sprintf("channel %q uses connection %q, expected %q", channel, ch.Connection, connection), nil)
	}
	return nil
}

func (c *Config) validateStrategy(key, name string) error {
	if _, err := consumer.ParseStrategy(name, 0, nil); err != nil {
		return invalid(key, err.Error(), err)
	}
	return nil
}

func validatePassive(key string, v any) error {
	switch p := v.(type) {
	case nil, bool:
		return nil
	case string:
		if strings.HasPrefix(p, PassiveFlagPrefix) && len(p) > len(PassiveFlagPrefix) {
			return nil
		}
	}
	return invalid(key, fmt.Sprintf("must be a boolean or a string starting with %q", PassiveFlagPrefix), nil)
}

func validateBindings(prefix string, bindings, unbindings []BindingConfig) error {
	check := func(name string, list []BindingConfig) error {
		for i, b := range list {
			if b.Exchange == "" {
				return invalid(fmt.Sprintf("%s.%s[%d].exchange", prefix, name, i), "exchange is required", nil)
			}
		}
		return nil
	}
	if err := check("bindings", bindings); err != nil {
		return err
	}
	return check("unbindings", unbindings)
}

func invalid(key, reason string, err error) error {
	return &driver.ConfigurationError{Key: key, Reason: reason, Err: err}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
