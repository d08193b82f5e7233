package interceptors

import (
	"context"
	"runtime/debug"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/driver"
)

// Resetter clears state that must not outlive one message, such as caches or
// unit-of-work buffers
type Resetter interface {
	Reset()
}

// ResetterFunc is a function adapter for Resetter
type ResetterFunc func()

// Reset implements Resetter
func (f ResetterFunc) Reset() { f() }

// Resetters resets each element in order
type Resetters []Resetter

// Reset implements Resetter
func (r Resetters) Reset() {
	for _, x := range r {
		x.Reset()
	}
}

// ReleaseMemory resets state and returns memory to the OS around every
// handled message, either before the handler runs or after it returns
type ReleaseMemory struct {
	resetter Resetter
	before   bool
	collect  func()
}

// NewReleaseMemory creates the middleware. With before unset memory is
// released after the handler, even when it fails or panics.
func NewReleaseMemory(resetter Resetter, before bool) *ReleaseMemory {
	if resetter == nil {
		resetter = Resetters(nil)
	}
	return &ReleaseMemory{
		resetter: resetter,
		before:   before,
		collect:  Collect,
	}
}

// Handle implements consumer.Middleware
func (r *ReleaseMemory) Handle(ctx context.Context, msg *driver.ReceivedMessage, next consumer.HandleFunc) error {
	if r.before {
		r.release()
		return next(ctx, msg)
	}

	defer r.release()
	return next(ctx, msg)
}

func (r *ReleaseMemory) release() {
	r.resetter.Reset()
	r.collect()
}

// Collect forces a garbage collection and returns freed memory to the OS
func Collect() {
	debug.FreeOSMemory()
}
