package consumer

import (
	"context"

	"github.com/glimte/mmate-amqp/driver"
)

// Middleware wraps message handling and decides whether to call next
type Middleware interface {
	Handle(ctx context.Context, msg *driver.ReceivedMessage, next HandleFunc) error
}

// MiddlewareFunc is a function adapter for Middleware
type MiddlewareFunc func(ctx context.Context, msg *driver.ReceivedMessage, next HandleFunc) error

// Handle implements Middleware
func (f MiddlewareFunc) Handle(ctx context.Context, msg *driver.ReceivedMessage, next HandleFunc) error {
	return f(ctx, msg, next)
}

// Middlewares is an ordered chain; the first element runs first
type Middlewares []Middleware

// Execute runs the chain around final
func (m Middlewares) Execute(ctx context.Context, msg *driver.ReceivedMessage, final HandleFunc) error {
	if len(m) == 0 {
		return final(ctx, msg)
	}

	// Build the chain in reverse order
	next := final
	for i := len(m) - 1; i >= 0; i-- {
		mw := m[i]
		current := next
		next = func(ctx context.Context, msg *driver.ReceivedMessage) error {
			return mw.Handle(ctx, msg, current)
		}
	}

	return next(ctx, msg)
}
