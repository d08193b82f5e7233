package definition

import (
	"fmt"
	"sort"
)

// Broker keys of the named arguments
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgExpires              = "x-expires"
	ArgMaxLength            = "x-max-length"
	ArgMaxLengthBytes       = "x-max-length-bytes"
	ArgMaxPriority          = "x-max-priority"
	ArgMessageTTL           = "x-message-ttl"
	ArgOverflow             = "x-overflow"
	ArgQueueMasterLocator   = "x-queue-master-locator"
	ArgQueueMode            = "x-queue-mode"
	ArgQueueType            = "x-queue-type"
	ArgSingleActiveConsumer = "x-single-active-consumer"
	ArgAlternateExchange    = "alternate-exchange"
)

// Queue type values
const (
	QueueTypeClassic = "classic"
	QueueTypeQuorum  = "quorum"
)

var (
	overflowModes       = []string{"drop-head", "reject-publish", "reject-publish-dlx"}
	queueMasterLocators = []string{"min-masters", "client-local", "random"}
	queueModes          = []string{"default", "lazy"}
	queueTypes          = []string{QueueTypeClassic, QueueTypeQuorum}
)

// Argument is one broker table entry
type Argument struct {
	Name  string
	Value any
}

// Arguments is an ordered set of broker arguments
type Arguments []Argument

// Table renders the arguments as a broker table, nil when empty
func (a Arguments) Table() map[string]any {
	if len(a) == 0 {
		return nil
	}

	table := make(map[string]any, len(a))
	for _, arg := range a {
		table[arg.Name] = arg.Value
	}
	return table
}

// Get returns the value of the named argument
func (a Arguments) Get(name string) (any, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// QueueArguments holds the named queue arguments. Zero values are omitted,
// the same way an absent configuration key is, so a zero max-length or
// message-ttl cannot be declared through the named fields; set it in Custom.
// SingleActiveConsumer is tri-state: nil inherits on Merge, false turns an
// inherited true off.
type QueueArguments struct {
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	Expires              int64
	MaxLength            int64
	MaxLengthBytes       int64
	MaxPriority          int64
	MessageTTL           int64
	Overflow             string
	QueueMasterLocator   string
	QueueMode            string
	QueueType            string
	SingleActiveConsumer *bool
	Custom               map[string]any
}

// Merge returns a copy of a with every non-zero field of override applied on top
func (a QueueArguments) Merge(override QueueArguments) QueueArguments {
	merged := a

	mergeString(&merged.DeadLetterExchange, override.DeadLetterExchange)
	mergeString(&merged.DeadLetterRoutingKey, override.DeadLetterRoutingKey)
	mergeInt(&merged.Expires, override.Expires)
	mergeInt(&merged.MaxLength, override.MaxLength)
	mergeInt(&merged.MaxLengthBytes, override.MaxLengthBytes)
	mergeInt(&merged.MaxPriority, override.MaxPriority)
	mergeInt(&merged.MessageTTL, override.MessageTTL)
	mergeString(&merged.Overflow, override.Overflow)
	mergeString(&merged.QueueMasterLocator, override.QueueMasterLocator)
	mergeString(&merged.QueueMode, override.QueueMode)
	mergeString(&merged.QueueType, override.QueueType)
	if override.SingleActiveConsumer != nil {
		merged.SingleActiveConsumer = override.SingleActiveConsumer
	}

	if len(a.Custom) > 0 || len(override.Custom) > 0 {
		merged.Custom = make(map[string]any, len(a.Custom)+len(override.Custom))
		for k, v := range a.Custom {
			merged.Custom[k] = v
		}
		for k, v := range override.Custom {
			merged.Custom[k] = v
		}
	}

	return merged
}

// Build validates the arguments and renders them in table order
func (a QueueArguments) Build() (Arguments, error) {
	if err := checkEnum("overflow", a.Overflow, overflowModes); err != nil {
		return nil, err
	}
	if err := checkEnum("queue-master-locator", a.QueueMasterLocator, queueMasterLocators); err != nil {
		return nil, err
	}
	if err := checkEnum("queue-mode", a.QueueMode, queueModes); err != nil {
		return nil, err
	}
	if err := checkEnum("queue-type", a.QueueType, queueTypes); err != nil {
		return nil, err
	}

	var args Arguments
	addString := func(key, value string) {
		if value != "" {
			args = append(args, Argument{Name: key, Value: value})
		}
	}
	addInt := func(key string, value int64) {
		if value != 0 {
			args = append(args, Argument{Name: key, Value: value})
		}
	}

	addString(ArgDeadLetterExchange, a.DeadLetterExchange)
	addString(ArgDeadLetterRoutingKey, a.DeadLetterRoutingKey)
	addInt(ArgExpires, a.Expires)
	addInt(ArgMaxLength, a.MaxLength)
	addInt(ArgMaxLengthBytes, a.MaxLengthBytes)
	addInt(ArgMaxPriority, a.MaxPriority)
	addInt(ArgMessageTTL, a.MessageTTL)
	addString(ArgOverflow, a.Overflow)
	addString(ArgQueueMasterLocator, a.QueueMasterLocator)
	addString(ArgQueueMode, a.QueueMode)
	addString(ArgQueueType, a.QueueType)

	if a.SingleActiveConsumer != nil && *a.SingleActiveConsumer {
		args = append(args, Argument{Name: ArgSingleActiveConsumer, Value: true})
	}

	return buildCustom(args, a.Custom)
}

// Bool returns a pointer to v, for the tri-state fields of QueueArguments
func Bool(v bool) *bool {
	return &v
}

// ExchangeArguments holds the named exchange arguments
type ExchangeArguments struct {
	AlternateExchange string
	Custom            map[string]any
}

// Build validates the arguments and renders them in table order
func (a ExchangeArguments) Build() (Arguments, error) {
	var args Arguments
	if a.AlternateExchange != "" {
		args = append(args, Argument{Name: ArgAlternateExchange, Value: a.AlternateExchange})
	}

	return buildCustom(args, a.Custom)
}

// buildCustom appends freeform arguments sorted by key to named. A custom key
// already set by a named argument is dropped, the named value wins. Values
// must be scalars; plain ints are widened to int64 since not every backend
// encodes int.
func buildCustom(named Arguments, custom map[string]any) (Arguments, error) {
	if len(custom) == 0 {
		return named, nil
	}

	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := named
	for _, k := range keys {
		if _, ok := named.Get(k); ok {
			continue
		}
		value := custom[k]
		switch v := value.(type) {
		case string, bool, int64, float64:
		case int:
			value = int64(v)
		case int32:
			value = int64(v)
		default:
			return nil, fmt.Errorf("%w: custom argument %q must be a scalar, got %T", ErrInvalidDefinition, k, value)
		}
		args = append(args, Argument{Name: k, Value: value})
	}

	return args, nil
}

func checkEnum(name, value string, allowed []string) error {
	if value == "" {
		return nil
	}
	for _, v := range allowed {
		if v == value {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q is not valid, available: %q", ErrInvalidDefinition, name, value, allowed)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int64, src int64) {
	if src != 0 {
		*dst = src
	}
}
