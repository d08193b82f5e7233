package driver

import (
	"sync"
	"time"
)

// Delivery modes
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Properties are the basic content header properties of a message
type Properties struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Message is an outgoing (or received) message body with headers and properties.
// Header values are plain Go values; nested tables are map[string]any and
// arrays are []any.
type Message struct {
	Body       []byte
	Headers    map[string]any
	Properties Properties
}

// NewMessage creates a persistent message with the given body
func NewMessage(body []byte) Message {
	return Message{
		Body:       body,
		Properties: Properties{DeliveryMode: Persistent},
	}
}

// Header returns the named header
func (m Message) Header(name string) (any, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// SetHeader sets a header, allocating the header table when needed
func (m *Message) SetHeader(name string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[name] = value
}

// Clone returns a copy whose body and top-level headers can be modified
// without affecting m
func (m Message) Clone() Message {
	c := m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]any, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// Acknowledger settles deliveries on the channel they arrived on
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// ReceivedMessage is a message delivered by the broker. Exactly one terminal
// decision (ack, nack or reject) can be made; later decisions fail with
// ErrAlreadyAcknowledged.
type ReceivedMessage struct {
	Message

	DeliveryTag uint64
	Redelivered bool
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Queue       string

	acker    Acknowledger
	mu       sync.Mutex
	answered bool
}

// NewReceivedMessage binds a delivered message to its acknowledger
func NewReceivedMessage(msg Message, acker Acknowledger, tag uint64) *ReceivedMessage {
	return &ReceivedMessage{
		Message:     msg,
		DeliveryTag: tag,
		acker:       acker,
	}
}

// Ack acknowledges the message
func (m *ReceivedMessage) Ack() error {
	return m.settle(func() error {
		return m.acker.Ack(m.DeliveryTag, false)
	})
}

// Nack negatively acknowledges the message
func (m *ReceivedMessage) Nack(requeue bool) error {
	return m.settle(func() error {
		return m.acker.Nack(m.DeliveryTag, false, requeue)
	})
}

// Reject rejects the message
func (m *ReceivedMessage) Reject(requeue bool) error {
	return m.settle(func() error {
		return m.acker.Reject(m.DeliveryTag, requeue)
	})
}

// Answered reports whether a terminal decision has been made
func (m *ReceivedMessage) Answered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answered
}

func (m *ReceivedMessage) settle(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.answered {
		return ErrAlreadyAcknowledged
	}
	if m.acker == nil {
		return ErrChannelClosed
	}
	if err := fn(); err != nil {
		return err
	}
	m.answered = true
	return nil
}

// AckBatch acknowledges every message of a batch received on one channel
// with a single multiple-ack on the highest delivery tag. Messages already
// answered make the batch ineligible and are reported as ErrAlreadyAcknowledged.
func AckBatch(batch []*ReceivedMessage) error {
	if len(batch) == 0 {
		return nil
	}

	last := batch[0]
	for _, m := range batch {
		if m.Answered() {
			return ErrAlreadyAcknowledged
		}
		if m.DeliveryTag > last.DeliveryTag {
			last = m
		}
	}

	last.mu.Lock()
	acker := last.acker
	last.mu.Unlock()
	if acker == nil {
		return ErrChannelClosed
	}

	if err := acker.Ack(last.DeliveryTag, true); err != nil {
		return err
	}

	for _, m := range batch {
		m.mu.Lock()
		m.answered = true
		m.mu.Unlock()
	}
	return nil
}
