package delay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/publisher"
	"github.com/glimte/mmate-amqp/registry"
)

// ExpiredHandler republishes messages that expired out of one bucket's
// landfill queue. It is a consumer.Handler for the expired queue.
type ExpiredHandler struct {
	publishers *registry.Registry[publisher.Publisher]
	landfill   publisher.Publisher
	routing    string
	logger     *slog.Logger
}

// HandlerOption configures an ExpiredHandler
type HandlerOption func(*ExpiredHandler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *ExpiredHandler) {
		h.logger = logger
	}
}

// NewExpiredHandler creates the handler of the bucket routed by landfillRouting.
// landfill publishes to the delay exchange undecorated and is used for
// remaining hops; final deliveries go through publishers.
func NewExpiredHandler(publishers *registry.Registry[publisher.Publisher], landfill publisher.Publisher, landfillRouting string, options ...HandlerOption) *ExpiredHandler {
	h := &ExpiredHandler{
		publishers: publishers,
		landfill:   landfill,
		routing:    landfillRouting,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Supports reports whether msg was dead-lettered from this bucket, judged by
// the routing keys of its most recent x-death entry
func (h *ExpiredHandler) Supports(msg *driver.ReceivedMessage) bool {
	for _, key := range deathRoutingKeys(msg.Message) {
		if key == h.routing {
			return true
		}
	}
	return false
}

// Handle sends msg on to its final publisher, or back to the landfill queue
// while hops remain
func (h *ExpiredHandler) Handle(ctx context.Context, msg *driver.ReceivedMessage) error {
	key, _ := msg.Header(HeaderPublisher)
	publisherKey, _ := key.(string)
	rk, _ := msg.Header(HeaderRoutingKey)
	routingKey, ok := rk.(string)
	if publisherKey == "" || !ok {
		return fmt.Errorf("%w: message %q has no %s/%s headers", ErrNoTarget, msg.Properties.MessageID, HeaderPublisher, HeaderRoutingKey)
	}

	out := strip(msg.Message)

	if hops, ok := counter(msg.Message); ok && hops > 1 {
		out.SetHeader(HeaderPublisher, publisherKey)
		out.SetHeader(HeaderRoutingKey, routingKey)
		out.SetHeader(HeaderCounter, int64(hops-1))

		h.logger.Debug("delayed message rescheduled",
			"routingKey", h.routing,
			"hopsLeft", hops-1)
		return h.landfill.Publish(ctx, out, h.routing)
	}

	pub, err := h.publishers.Get(publisherKey)
	if err != nil {
		return err
	}

	h.logger.Debug("delayed message released",
		"publisher", publisherKey,
		"routingKey", routingKey)
	return pub.Publish(ctx, out, routingKey)
}

// strip copies msg without the delay and dead-letter headers
func strip(msg driver.Message) driver.Message {
	out := msg.Clone()
	for name := range out.Headers {
		switch {
		case name == HeaderPublisher, name == HeaderRoutingKey, name == HeaderCounter, name == "x-death":
			delete(out.Headers, name)
		case strings.HasPrefix(name, "x-first-death-"), strings.HasPrefix(name, "x-last-death-"):
			delete(out.Headers, name)
		}
	}
	if len(out.Headers) == 0 {
		out.Headers = nil
	}
	out.Properties.Expiration = ""
	return out
}

func deathRoutingKeys(msg driver.Message) []string {
	v, ok := msg.Header("x-death")
	if !ok {
		return nil
	}
	deaths, ok := v.([]any)
	if !ok || len(deaths) == 0 {
		return nil
	}
	death, ok := deaths[0].(map[string]any)
	if !ok {
		return nil
	}

	var keys []string
	switch rks := death["routing-keys"].(type) {
	case []any:
		for _, k := range rks {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	case []string:
		keys = rks
	}
	return keys
}
