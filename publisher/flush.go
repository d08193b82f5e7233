package publisher

import (
	"context"
	"errors"
)

// FlushAll flushes every savepoint publisher in order and joins the errors.
// A failed publisher keeps its remainder; later publishers are still flushed.
func FlushAll(ctx context.Context, publishers ...*SavepointPublisher) error {
	var errs []error
	for _, p := range publishers {
		if err := p.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardAll discards the buffers of every savepoint publisher
func DiscardAll(publishers ...*SavepointPublisher) {
	for _, p := range publishers {
		p.Discard()
	}
}
