package definition

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned when a topology definition is malformed
var ErrInvalidDefinition = errors.New("definition: invalid definition")

// DefaultExchangeAlias can be used in configuration to address the broker's default exchange
const DefaultExchangeAlias = "amq.default"

// ExchangeType is the routing algorithm of an exchange
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeHeaders ExchangeType = "headers"
)

// ParseExchangeType validates an exchange type name. Empty means direct.
func ParseExchangeType(name string) (ExchangeType, error) {
	switch t := ExchangeType(name); t {
	case "":
		return ExchangeDirect, nil
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return t, nil
	}

	return "", fmt.Errorf("%w: invalid exchange type %q", ErrInvalidDefinition, name)
}

// Passive is a declare-passive flag that may be resolved lazily at declare time
type Passive struct {
	value   bool
	resolve func() bool
}

// StaticPassive returns a flag with a fixed value
func StaticPassive(value bool) Passive {
	return Passive{value: value}
}

// DeferredPassive returns a flag evaluated each time it is resolved
func DeferredPassive(resolve func() bool) Passive {
	return Passive{resolve: resolve}
}

// Resolve returns the effective value
func (p Passive) Resolve() bool {
	if p.resolve != nil {
		return p.resolve()
	}
	return p.value
}

// Binding routes messages from Exchange to the owner under RoutingKey
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Exchange describes an exchange declaration. The empty name is the broker's
// default exchange, which is never declared or bound.
type Exchange struct {
	Name       string
	Type       ExchangeType
	Durable    bool
	Passive    Passive
	Arguments  Arguments
	Bindings   []Binding
	Unbindings []Binding
}

// IsDefault reports whether the definition addresses the default exchange
func (e Exchange) IsDefault() bool {
	return e.Name == ""
}

// Validate checks the exchange definition
func (e Exchange) Validate() error {
	if _, err := ParseExchangeType(string(e.Type)); err != nil {
		return err
	}
	if e.IsDefault() && (len(e.Bindings) > 0 || len(e.Unbindings) > 0) {
		return fmt.Errorf("%w: the default exchange cannot be bound", ErrInvalidDefinition)
	}
	return validateBindings(e.Bindings, e.Unbindings)
}

// Queue describes a queue declaration
type Queue struct {
	Name       string
	Durable    bool
	Passive    Passive
	Exclusive  bool
	AutoDelete bool
	Arguments  Arguments
	Bindings   []Binding
	Unbindings []Binding
}

// Validate checks the queue definition
func (q Queue) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidDefinition)
	}
	return validateBindings(q.Bindings, q.Unbindings)
}

func validateBindings(lists ...[]Binding) error {
	for _, list := range lists {
		for _, b := range list {
			if b.Exchange == "" {
				return fmt.Errorf("%w: binding with routing key %q has no exchange", ErrInvalidDefinition, b.RoutingKey)
			}
		}
	}
	return nil
}

// NormalizeExchangeName maps the configuration alias of the default exchange to ""
func NormalizeExchangeName(name string) string {
	if name == DefaultExchangeAlias {
		return ""
	}
	return name
}
