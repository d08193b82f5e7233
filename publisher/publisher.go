// Package publisher sends messages to exchanges through an ordered
// middleware chain, optionally buffering them behind savepoints.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-amqp/driver"
)

// Publisher sends a message with a routing key
type Publisher interface {
	Publish(ctx context.Context, msg driver.Message, routingKey string) error
}

// Next continues the middleware chain
type Next func(ctx context.Context, msg *driver.Message, routingKey string) error

// Middleware processes an outgoing message and decides whether and how to
// call next. An error fails the publish.
type Middleware interface {
	Handle(ctx context.Context, msg *driver.Message, routingKey string, next Next) error
}

// MiddlewareFunc is a function adapter for Middleware
type MiddlewareFunc func(ctx context.Context, msg *driver.Message, routingKey string, next Next) error

// Handle implements Middleware
func (f MiddlewareFunc) Handle(ctx context.Context, msg *driver.Message, routingKey string, next Next) error {
	return f(ctx, msg, routingKey, next)
}

// Middlewares is an ordered middleware chain; the first element runs first
type Middlewares []Middleware

// Execute runs the chain and terminates with final
func (m Middlewares) Execute(ctx context.Context, msg *driver.Message, routingKey string, final Next) error {
	if len(m) == 0 {
		return final(ctx, msg, routingKey)
	}

	// Build the chain in reverse order
	next := final
	for i := len(m) - 1; i >= 0; i-- {
		mw := m[i]
		current := next
		next = func(ctx context.Context, msg *driver.Message, routingKey string) error {
			return mw.Handle(ctx, msg, routingKey, current)
		}
	}

	return next(ctx, msg, routingKey)
}

// ExchangePublisher publishes to the exchange of a factory. The exchange is
// declared on first publish and reused afterwards.
type ExchangePublisher struct {
	factory     driver.ExchangeFactory
	middlewares Middlewares
	logger      *slog.Logger

	mu       sync.Mutex
	exchange driver.Exchange
}

// Option configures an ExchangePublisher
type Option func(*ExchangePublisher)

// WithMiddleware appends middleware to the chain
func WithMiddleware(middlewares ...Middleware) Option {
	return func(p *ExchangePublisher) {
		p.middlewares = append(p.middlewares, middlewares...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *ExchangePublisher) {
		p.logger = logger
	}
}

// New creates a publisher for the exchange built by factory
func New(factory driver.ExchangeFactory, options ...Option) *ExchangePublisher {
	p := &ExchangePublisher{
		factory: factory,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the name of the target exchange
func (p *ExchangePublisher) Exchange() string {
	return p.factory.Name()
}

// Publish sends msg through the middleware chain to the exchange
func (p *ExchangePublisher) Publish(ctx context.Context, msg driver.Message, routingKey string) error {
	exchange, err := p.obtain(ctx)
	if err != nil {
		return err
	}

	return p.middlewares.Execute(ctx, &msg, routingKey, func(ctx context.Context, msg *driver.Message, routingKey string) error {
		if err := exchange.Publish(ctx, *msg, routingKey); err != nil {
			return err
		}
		p.logger.Debug("message published",
			"exchange", exchange.Name(),
			"routingKey", routingKey)
		return nil
	})
}

func (p *ExchangePublisher) obtain(ctx context.Context) (driver.Exchange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exchange != nil {
		return p.exchange, nil
	}

	exchange, err := p.factory.Create(ctx)
	if err != nil {
		return nil, err
	}
	p.exchange = exchange
	return exchange, nil
}
