package delay

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/publisher"
)

// ErrNoTarget is returned when a delayed message does not name the publisher
// that should receive it after expiry
var ErrNoTarget = errors.New("delay: no target publisher")

// Target names where a delayed message goes once it expires. Hops repeats the
// bucket delay; values below 2 mean a single pass.
type Target struct {
	Publisher  string
	RoutingKey string
	Hops       int
}

// Publisher decorates a publisher of the delay exchange: the routing key a
// caller passes becomes the final routing key and the message is sent to the
// bucket's landfill queue instead.
type Publisher struct {
	inner   publisher.Publisher
	routing string
	target  string
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithTarget sets the publisher used when a message carries no x-delay-publisher header
func WithTarget(publisherKey string) PublisherOption {
	return func(p *Publisher) {
		p.target = publisherKey
	}
}

// NewPublisher wraps inner, which must publish to the delay exchange, for the
// landfill routing key of one bucket
func NewPublisher(inner publisher.Publisher, landfillRouting string, options ...PublisherOption) *Publisher {
	p := &Publisher{inner: inner, routing: landfillRouting}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish delays msg. The final publisher comes from the x-delay-publisher
// header, or the configured target.
func (p *Publisher) Publish(ctx context.Context, msg driver.Message, routingKey string) error {
	target := Target{Publisher: p.target, RoutingKey: routingKey}
	if key, ok := msg.Header(HeaderPublisher); ok {
		if s, ok := key.(string); ok && s != "" {
			target.Publisher = s
		}
	}
	if hops, ok := counter(msg); ok {
		target.Hops = hops
	}

	return p.PublishTo(ctx, msg, target)
}

// PublishTo delays msg for target
func (p *Publisher) PublishTo(ctx context.Context, msg driver.Message, target Target) error {
	if target.Publisher == "" {
		return ErrNoTarget
	}

	out := msg.Clone()
	out.SetHeader(HeaderPublisher, target.Publisher)
	out.SetHeader(HeaderRoutingKey, target.RoutingKey)
	if target.Hops > 1 {
		out.SetHeader(HeaderCounter, int64(target.Hops))
	} else {
		delete(out.Headers, HeaderCounter)
	}

	if err := p.inner.Publish(ctx, out, p.routing); err != nil {
		return fmt.Errorf("delay via %q: %w", p.routing, err)
	}
	return nil
}

// counter reads the remaining hop count of a message
func counter(msg driver.Message) (int, bool) {
	v, ok := msg.Header(HeaderCounter)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	}
	return 0, false
}
