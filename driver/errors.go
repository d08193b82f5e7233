package driver

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Delivery errors
	ErrNoMessage           = errors.New("driver: no message available")
	ErrReadTimeout         = errors.New("driver: read timeout")
	ErrDeliveriesClosed    = errors.New("driver: delivery stream closed")
	ErrAlreadyAcknowledged = errors.New("driver: message already acknowledged")

	// Connection errors
	ErrConnectionClosed = errors.New("driver: connection is closed")
	ErrConnectTimeout   = errors.New("driver: connect timeout")
	ErrNoHosts          = errors.New("driver: no hosts configured")

	// Channel errors
	ErrChannelClosed = errors.New("driver: channel is closed")
)

// ConfigurationError reports an invalid configuration value by its dotted key.
// It is returned before any broker connection is made.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a failure to reach the broker
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of hosts tried
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("amqp connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	if e.URL != "" {
		return fmt.Sprintf("amqp connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("amqp connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a broker error raised on a channel
type ChannelError struct {
	Op        string    // Operation that failed
	Target    string    // Exchange or queue name
	Code      int       // AMQP reply code, 0 when unknown
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("amqp channel error: %s %q (code %d): %v", e.Op, e.Target, e.Code, e.Err)
	}
	return fmt.Sprintf("amqp channel error: %s %q: %v", e.Op, e.Target, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyConflictError is returned when the broker refuses a declaration
// because an entity with the same name exists with different attributes
type TopologyConflictError struct {
	Kind string // exchange or queue
	Name string
	Err  error
}

func (e *TopologyConflictError) Error() string {
	return fmt.Sprintf("amqp topology conflict: %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *TopologyConflictError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("amqp publish error: failed to publish to %q with routing key %q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an operation failing with err may succeed on retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var confErr *ConfigurationError
	if errors.As(err, &confErr) {
		return false
	}
	var conflict *TopologyConflictError
	if errors.As(err, &conflict) {
		return false
	}
	if errors.Is(err, ErrAlreadyAcknowledged) {
		return false
	}

	return true
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
