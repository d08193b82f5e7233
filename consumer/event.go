package consumer

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-amqp/driver"
)

// EventKind identifies a consumer lifecycle event
type EventKind int

const (
	// EventReceived fires before a message is handled
	EventReceived EventKind = iota
	// EventProcessed fires after the message has been acknowledged or rejected
	EventProcessed
	// EventTick fires on every loop strategy iteration
	EventTick
	// EventStopped fires when a consumer is stopped
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventReceived:
		return "received"
	case EventProcessed:
		return "processed"
	case EventTick:
		return "tick"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

// Event describes what happened. Message is nil for tick and stop events;
// Err carries the handling error of a processed message.
type Event struct {
	Kind     EventKind
	Consumer string
	Message  *driver.ReceivedMessage
	Err      error
}

// Observer receives consumer events
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc is a function adapter for Observer
type ObserverFunc func(ctx context.Context, event Event)

// OnEvent implements Observer
func (f ObserverFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Observers notifies observers in registration order
type Observers []Observer

func (o Observers) notify(ctx context.Context, logger *slog.Logger, event Event) {
	for _, observer := range o {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("observer panic",
						"consumer", event.Consumer,
						"event", event.Kind.String(),
						"panic", r)
				}
			}()
			observer.OnEvent(ctx, event)
		}()
	}
}
