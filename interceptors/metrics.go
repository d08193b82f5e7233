package interceptors

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/driver"
	"github.com/glimte/mmate-amqp/publisher"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics collects prometheus metrics for consumers and publishers
type Metrics struct {
	consumed  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	published *prometheus.CounterVec
	events    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Messages handled by consumers.",
		}, []string{"consumer", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mmate",
			Subsystem: "consumer",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in message handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "publisher",
			Name:      "messages_total",
			Help:      "Messages sent by publishers.",
		}, []string{"publisher", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "consumer",
			Name:      "events_total",
			Help:      "Consumer lifecycle events.",
		}, []string{"consumer", "event"}),
	}

	var err error
	if m.consumed, err = register(reg, m.consumed); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.published, err = register(reg, m.published); err != nil {
		return nil, err
	}
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Consumer returns a middleware recording handled messages of the named consumer
func (m *Metrics) Consumer(key string) consumer.Middleware {
	return consumer.MiddlewareFunc(func(ctx context.Context, msg *driver.ReceivedMessage, next consumer.HandleFunc) error {
		start := time.Now()
		err := next(ctx, msg)
		m.duration.WithLabelValues(key).Observe(time.Since(start).Seconds())
		m.consumed.WithLabelValues(key, outcome(err)).Inc()
		return err
	})
}

// Publisher returns a middleware counting messages sent by the named publisher
func (m *Metrics) Publisher(key string) publisher.Middleware {
	return publisher.MiddlewareFunc(func(ctx context.Context, msg *driver.Message, routingKey string, next publisher.Next) error {
		err := next(ctx, msg, routingKey)
		m.published.WithLabelValues(key, outcome(err)).Inc()
		return err
	})
}

// Observer returns an observer counting consumer events
func (m *Metrics) Observer() consumer.Observer {
	return consumer.ObserverFunc(func(_ context.Context, event consumer.Event) {
		m.events.WithLabelValues(event.Consumer, event.Kind.String()).Inc()
	})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
