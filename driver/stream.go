package driver

import (
	"context"
	"sync"
	"time"
)

// NewStream adapts a backend delivery channel to Deliveries. convert binds
// each backend delivery to a ReceivedMessage; cancel stops the subscription.
func NewStream[D any](tag string, in <-chan D, convert func(D) *ReceivedMessage, cancel func() error) Deliveries {
	return &stream[D]{
		tag:     tag,
		in:      in,
		convert: convert,
		cancel:  cancel,
	}
}

type stream[D any] struct {
	tag     string
	in      <-chan D
	convert func(D) *ReceivedMessage
	cancel  func() error

	once      sync.Once
	cancelErr error
}

func (s *stream[D]) Tag() string {
	return s.tag
}

func (s *stream[D]) Receive(ctx context.Context, timeout time.Duration) (*ReceivedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if timeout == 0 {
		select {
		case d, ok := <-s.in:
			return s.deliver(d, ok)
		default:
			return nil, ErrNoMessage
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d, ok := <-s.in:
		return s.deliver(d, ok)
	case <-expired:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream[D]) deliver(d D, ok bool) (*ReceivedMessage, error) {
	if !ok {
		return nil, &ConnectionError{
			Op:        "consume " + s.tag,
			Err:       ErrDeliveriesClosed,
			Timestamp: time.Now(),
		}
	}
	msg := s.convert(d)
	msg.ConsumerTag = s.tag
	return msg, nil
}

func (s *stream[D]) Cancel() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancelErr = s.cancel()
		}
	})
	return s.cancelErr
}
