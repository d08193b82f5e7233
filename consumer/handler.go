package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-amqp/driver"
)

var (
	// ErrNoHandler is returned when no handler supports a message
	ErrNoHandler = errors.New("consumer: no handler supports the message")
	// ErrStop ends a strategy loop without error
	ErrStop = errors.New("consumer: stop")
	// ErrSkipped is returned when a checker vetoes a run
	ErrSkipped = errors.New("consumer: run skipped by checker")
)

// HandleFunc processes one received message
type HandleFunc func(ctx context.Context, msg *driver.ReceivedMessage) error

// Handler processes the messages it supports
type Handler interface {
	Supports(msg *driver.ReceivedMessage) bool
	Handle(ctx context.Context, msg *driver.ReceivedMessage) error
}

// Flusher is implemented by handlers of spool consumers that need to act on a
// whole batch before it is acknowledged
type Flusher interface {
	Flush(ctx context.Context, batch []*driver.ReceivedMessage) error
}

// HandlerFunc adapts a function into a Handler supporting every message
type HandlerFunc func(ctx context.Context, msg *driver.ReceivedMessage) error

// Supports implements Handler
func (f HandlerFunc) Supports(*driver.ReceivedMessage) bool {
	return true
}

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *driver.ReceivedMessage) error {
	return f(ctx, msg)
}

// Handlers is a chain of responsibility: the first supporting handler wins
type Handlers []Handler

// Handle dispatches msg to the first handler that supports it
func (h Handlers) Handle(ctx context.Context, msg *driver.ReceivedMessage) error {
	for _, handler := range h {
		if handler.Supports(msg) {
			return handler.Handle(ctx, msg)
		}
	}
	return ErrNoHandler
}

// Flush calls every Flusher in the chain, stopping at the first error
func (h Handlers) Flush(ctx context.Context, batch []*driver.ReceivedMessage) error {
	for _, handler := range h {
		if f, ok := handler.(Flusher); ok {
			if err := f.Flush(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandlerError is a failure while processing a message. It is resolved by
// the acknowledgment policy and never stops the consumer.
type HandlerError struct {
	Consumer string
	Err      error
	Panic    any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("consumer %s: handler panic: %v", e.Consumer, e.Panic)
	}
	return fmt.Sprintf("consumer %s: handler failed: %v", e.Consumer, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// callSafely runs fn, turning panics and errors into a *HandlerError
func callSafely(consumer string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Consumer: consumer, Panic: r}
		}
	}()

	if err := fn(); err != nil {
		var handlerErr *HandlerError
		if errors.As(err, &handlerErr) {
			return err
		}
		return &HandlerError{Consumer: consumer, Err: err}
	}
	return nil
}
