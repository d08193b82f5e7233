package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-amqp/driver"
)

var (
	// ErrSavepointExists is returned when starting a savepoint whose name is taken
	ErrSavepointExists = errors.New("publisher: savepoint already exists")
	// ErrSavepointNotFound is returned when rolling back to an unknown savepoint
	ErrSavepointNotFound = errors.New("publisher: savepoint not found")
)

type pending struct {
	msg        driver.Message
	routingKey string
}

type savepoint struct {
	name   string
	offset int
}

// SavepointPublisher buffers published messages until Flush sends them through
// the inner publisher in FIFO order. It is meant to be owned by a single
// goroutine, typically a consumer handling one message or batch.
//
// Flush is not atomic: messages sent before a failure stay sent, and the
// unsent remainder stays buffered so Flush can be retried.
type SavepointPublisher struct {
	inner      Publisher
	buffer     []pending
	savepoints []savepoint
}

// NewSavepoint wraps inner
func NewSavepoint(inner Publisher) *SavepointPublisher {
	return &SavepointPublisher{inner: inner}
}

// Publish buffers msg
func (p *SavepointPublisher) Publish(_ context.Context, msg driver.Message, routingKey string) error {
	p.buffer = append(p.buffer, pending{msg: msg.Clone(), routingKey: routingKey})
	return nil
}

// Start marks the current end of the buffer under name
func (p *SavepointPublisher) Start(name string) error {
	for _, sp := range p.savepoints {
		if sp.name == name {
			return fmt.Errorf("%w: %q", ErrSavepointExists, name)
		}
	}
	p.savepoints = append(p.savepoints, savepoint{name: name, offset: len(p.buffer)})
	return nil
}

// Rollback drops every message buffered after the named savepoint, along with
// the savepoints started after it. The savepoint itself is kept.
func (p *SavepointPublisher) Rollback(name string) error {
	for i, sp := range p.savepoints {
		if sp.name != name {
			continue
		}
		if sp.offset < len(p.buffer) {
			clear(p.buffer[sp.offset:])
			p.buffer = p.buffer[:sp.offset]
		}
		p.savepoints = p.savepoints[:i+1]
		return nil
	}
	return fmt.Errorf("%w: %q", ErrSavepointNotFound, name)
}

// Savepoints returns the active savepoint names in start order
func (p *SavepointPublisher) Savepoints() []string {
	names := make([]string, len(p.savepoints))
	for i, sp := range p.savepoints {
		names[i] = sp.name
	}
	return names
}

// Len returns the number of buffered messages
func (p *SavepointPublisher) Len() int {
	return len(p.buffer)
}

// Flush sends the buffered messages in order. On failure the unsent messages
// remain buffered and the error is returned.
func (p *SavepointPublisher) Flush(ctx context.Context) error {
	sent := 0
	var err error
	for _, m := range p.buffer {
		if err = p.inner.Publish(ctx, m.msg, m.routingKey); err != nil {
			break
		}
		sent++
	}

	p.buffer = append(p.buffer[:0], p.buffer[sent:]...)
	p.savepoints = nil

	if err != nil {
		return fmt.Errorf("flush stopped after %d of %d messages: %w", sent, sent+len(p.buffer), err)
	}
	return nil
}

// Discard drops every buffered message without sending
func (p *SavepointPublisher) Discard() {
	clear(p.buffer)
	p.buffer = p.buffer[:0]
	p.savepoints = nil
}
