package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/driver"
)

// Consumer is a named, runnable consumer
type Consumer interface {
	Key() string
	// Run executes the consumer according to its mode
	Run(ctx context.Context) error
	// RunBudget handles at most budget.Messages messages and returns once the
	// budget is spent, a read times out or ctx is cancelled
	RunBudget(ctx context.Context, budget Budget) (int, error)
	// Stop ends any running call and cancels the subscription
	Stop() error
}

// Option configures a consumer
type Option func(*options)

type options struct {
	handlers    Handlers
	middlewares Middlewares
	observers   Observers
	checker     Checker
	logger      *slog.Logger
}

// WithHandler appends handlers to the chain
func WithHandler(handlers ...Handler) Option {
	return func(o *options) {
		o.handlers = append(o.handlers, handlers...)
	}
}

// WithMiddleware appends middleware to the chain
func WithMiddleware(middlewares ...Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, middlewares...)
	}
}

// WithObserver registers event observers
func WithObserver(observers ...Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, observers...)
	}
}

// WithChecker sets the pre-run checker
func WithChecker(checker Checker) Option {
	return func(o *options) {
		o.checker = checker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// base holds what every consumer mode shares: the subscription, the
// handling pipeline and the acknowledgment policy
type base struct {
	key            string
	queue          driver.QueueFactory
	requeueOnError bool
	tags           TagGenerator
	options

	mu         sync.Mutex
	deliveries driver.Deliveries

	stopOnce sync.Once
	stopped  chan struct{}
}

func (b *base) init(key string, queue driver.QueueFactory, requeueOnError bool, tags TagGenerator, opts []Option) {
	b.key = key
	b.queue = queue
	b.requeueOnError = requeueOnError
	b.tags = tags
	b.options = options{logger: slog.Default()}
	b.stopped = make(chan struct{})

	for _, opt := range opts {
		opt(&b.options)
	}
	b.logger = b.logger.With("consumer", key)
}

// Key returns the consumer name
func (b *base) Key() string {
	return b.key
}

// Stop cancels running calls, the subscription, and notifies observers
func (b *base) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopped)
		err = b.unsubscribe()
		b.observers.notify(context.Background(), b.logger, Event{Kind: EventStopped, Consumer: b.key})
	})
	return err
}

// begin derives a context that is also cancelled by Stop
func (b *base) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// allowed consults the checker
func (b *base) allowed(ctx context.Context) error {
	if b.checker == nil {
		return nil
	}
	ok, err := b.checker.Check(ctx)
	if err != nil {
		return err
	}
	if !ok {
		b.logger.Debug("run skipped by checker")
		return ErrSkipped
	}
	return nil
}

func (b *base) subscribe(ctx context.Context) (driver.Deliveries, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deliveries != nil {
		return b.deliveries, nil
	}

	queue, err := b.queue.Create(ctx)
	if err != nil {
		return nil, err
	}

	var tag string
	if b.tags != nil {
		tag = b.tags.Generate()
	}

	deliveries, err := queue.Consume(ctx, driver.ConsumeOptions{Tag: tag})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("subscribed", "queue", queue.Name(), "consumerTag", deliveries.Tag())
	b.deliveries = deliveries
	return deliveries, nil
}

// drainTimeout bounds the wait for deliveries buffered by a cancelled
// subscription
const drainTimeout = 20 * time.Millisecond

// unsubscribe cancels the subscription and requeues what the broker
// delivered to it before the cancellation took effect
func (b *base) unsubscribe() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deliveries == nil {
		return nil
	}
	deliveries := b.deliveries
	b.deliveries = nil

	err := deliveries.Cancel()
	b.drain(deliveries)
	return err
}

// drain nacks with requeue every message left in a cancelled stream, until
// the stream closes or stays empty for drainTimeout
func (b *base) drain(deliveries driver.Deliveries) {
	requeued := 0
	for {
		msg, err := deliveries.Receive(context.Background(), drainTimeout)
		if err != nil {
			break
		}
		if err := msg.Nack(true); err != nil {
			b.logger.Debug("requeue of buffered message failed", "deliveryTag", msg.DeliveryTag, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		b.logger.Debug("requeued buffered messages", "consumerTag", deliveries.Tag(), "count", requeued)
	}
}

// handle runs the middleware and handler chain, recovering panics
func (b *base) handle(ctx context.Context, msg *driver.ReceivedMessage) error {
	b.observers.notify(ctx, b.logger, Event{Kind: EventReceived, Consumer: b.key, Message: msg})

	return callSafely(b.key, func() error {
		return b.middlewares.Execute(ctx, msg, b.handlers.Handle)
	})
}

// settle makes the single terminal decision for msg. A handler that already
// answered the message itself is respected.
func (b *base) settle(msg *driver.ReceivedMessage, handleErr error) error {
	if msg.Answered() {
		return nil
	}
	if handleErr == nil {
		return msg.Ack()
	}

	b.logger.Debug("message rejected",
		"deliveryTag", msg.DeliveryTag,
		"requeue", b.requeueOnError,
		"error", handleErr)
	return msg.Nack(b.requeueOnError)
}

func (b *base) processed(ctx context.Context, msg *driver.ReceivedMessage, handleErr error) {
	b.observers.notify(ctx, b.logger, Event{Kind: EventProcessed, Consumer: b.key, Message: msg, Err: handleErr})
}

// process handles and settles one message
func (b *base) process(ctx context.Context, msg *driver.ReceivedMessage) error {
	handleErr := b.handle(ctx, msg)
	settleErr := b.settle(msg, handleErr)
	b.processed(ctx, msg, handleErr)
	return settleErr
}

func (b *base) tick(ctx context.Context) {
	b.observers.notify(ctx, b.logger, Event{Kind: EventTick, Consumer: b.key})
}

// runBudget drives strategy until the budget is spent. It returns
// driver.ErrReadTimeout when a read timed out, and nil on cancellation.
func (b *base) runBudget(ctx context.Context, strategy Strategy, budget Budget) (int, error) {
	deliveries, err := b.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	session := Session{
		Deliveries:  deliveries,
		ReadTimeout: budget.ReadTimeout,
		Tick:        b.tick,
		Handle: func(ctx context.Context, msg *driver.ReceivedMessage) error {
			err := b.process(ctx, msg)
			count++
			if err != nil {
				return err
			}
			if budget.Messages > 0 && count >= budget.Messages {
				return ErrStop
			}
			return nil
		},
	}

	for {
		err := strategy.Consume(ctx, session)

		switch {
		case ctx.Err() != nil:
			return count, nil
		case err == nil, errors.Is(err, ErrStop):
			if budget.Messages > 0 && count >= budget.Messages {
				return count, nil
			}
		case errors.Is(err, driver.ErrReadTimeout):
			return count, err
		default:
			var connErr *driver.ConnectionError
			if errors.As(err, &connErr) {
				b.unsubscribe()
			}
			return count, err
		}
	}
}
