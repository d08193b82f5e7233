package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-amqp/driver"
)

type recordingAcker struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAcker) record(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	if multiple {
		a.record(fmt.Sprintf("ack*:%d", tag))
	} else {
		a.record(fmt.Sprintf("ack:%d", tag))
	}
	return nil
}

func (a *recordingAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(fmt.Sprintf("nack:%d:%t", tag, requeue))
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	a.record(fmt.Sprintf("reject:%d:%t", tag, requeue))
	return nil
}

func (a *recordingAcker) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

type fakeQueue struct {
	acker    *recordingAcker
	messages chan uint64

	mu        sync.Mutex
	creates   int
	consumes  int
	cancels   int
	createErr error
}

func newFakeQueue(tags ...uint64) *fakeQueue {
	q := &fakeQueue{
		acker:    &recordingAcker{},
		messages: make(chan uint64, 64),
	}
	q.push(tags...)
	return q
}

func (q *fakeQueue) push(tags ...uint64) {
	for _, tag := range tags {
		q.messages <- tag
	}
}

func (q *fakeQueue) Name() string { return "orders" }

func (q *fakeQueue) Create(context.Context) (driver.Queue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.creates++
	if q.createErr != nil {
		return nil, q.createErr
	}
	return q, nil
}

func (q *fakeQueue) Consume(_ context.Context, opts driver.ConsumeOptions) (driver.Deliveries, error) {
	q.mu.Lock()
	q.consumes++
	q.mu.Unlock()

	tag := opts.Tag
	if tag == "" {
		tag = "ctag"
	}
	return driver.NewStream(tag, q.messages, func(dt uint64) *driver.ReceivedMessage {
		msg := driver.NewReceivedMessage(driver.Message{Body: []byte(fmt.Sprint(dt))}, q.acker, dt)
		msg.Queue = "orders"
		return msg
	}, func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cancels++
		return nil
	}), nil
}

func (q *fakeQueue) Get(context.Context) (*driver.ReceivedMessage, error) {
	return nil, driver.ErrNoMessage
}

func (q *fakeQueue) Purge(context.Context) (int, error) { return 0, nil }
func (q *fakeQueue) Delete(context.Context) error       { return nil }

func (q *fakeQueue) stats() (creates, consumes, cancels int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.creates, q.consumes, q.cancels
}

// bufferedQueue gives every subscription its own delivery buffer, the way a
// broker client buffers per consumer tag. The first subscription starts with
// the given messages already delivered.
type bufferedQueue struct {
	acker *recordingAcker
	first []uint64

	mu       sync.Mutex
	consumes int
}

func newBufferedQueue(tags ...uint64) *bufferedQueue {
	return &bufferedQueue{acker: &recordingAcker{}, first: tags}
}

func (q *bufferedQueue) Name() string { return "orders" }

func (q *bufferedQueue) Create(context.Context) (driver.Queue, error) { return q, nil }

func (q *bufferedQueue) Consume(_ context.Context, opts driver.ConsumeOptions) (driver.Deliveries, error) {
	q.mu.Lock()
	q.consumes++
	preload := q.first
	q.first = nil
	q.mu.Unlock()

	buffer := make(chan uint64, len(preload))
	for _, tag := range preload {
		buffer <- tag
	}
	return driver.NewStream(opts.Tag, buffer, func(dt uint64) *driver.ReceivedMessage {
		return driver.NewReceivedMessage(driver.Message{Body: []byte(fmt.Sprint(dt))}, q.acker, dt)
	}, nil), nil
}

func (q *bufferedQueue) Get(context.Context) (*driver.ReceivedMessage, error) {
	return nil, driver.ErrNoMessage
}

func (q *bufferedQueue) Purge(context.Context) (int, error) { return 0, nil }
func (q *bufferedQueue) Delete(context.Context) error       { return nil }
