// Package listeners provides consumer observers for long-running workers.
package listeners

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/interceptors"
)

// ReleaseMemory resets state and frees memory on message events: on receive
// when before is set, otherwise once the message is processed
type ReleaseMemory struct {
	resetter interceptors.Resetter
	before   bool
	collect  func()
}

// NewReleaseMemory creates the listener
func NewReleaseMemory(resetter interceptors.Resetter, before bool) *ReleaseMemory {
	if resetter == nil {
		resetter = interceptors.Resetters(nil)
	}
	return &ReleaseMemory{
		resetter: resetter,
		before:   before,
		collect:  interceptors.Collect,
	}
}

// OnEvent implements consumer.Observer
func (l *ReleaseMemory) OnEvent(_ context.Context, event consumer.Event) {
	switch {
	case event.Kind == consumer.EventReceived && l.before,
		event.Kind == consumer.EventProcessed && !l.before:
		l.resetter.Reset()
		l.collect()
	}
}

// Pinger keeps an idle external connection alive
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping pings registered connections on consumer ticks, at most once per
// interval. Idle loop consumers would otherwise let them time out.
type Ping struct {
	interval time.Duration
	pingers  map[string]Pinger
	keys     []string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastPing time.Time
}

// PingOption configures Ping
type PingOption func(*Ping)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PingOption {
	return func(p *Ping) {
		p.logger = logger
	}
}

// NewPing creates the listener. The interval starts counting now.
func NewPing(interval time.Duration, options ...PingOption) *Ping {
	p := &Ping{
		interval: interval,
		pingers:  make(map[string]Pinger),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	p.lastPing = p.now()
	return p
}

// Add registers a connection under key. Connections are pinged in
// registration order.
func (p *Ping) Add(key string, pinger Pinger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pingers[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.pingers[key] = pinger
}

// LastPing returns when connections were last pinged
func (p *Ping) LastPing() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPing
}

// OnEvent implements consumer.Observer
func (p *Ping) OnEvent(ctx context.Context, event consumer.Event) {
	if event.Kind == consumer.EventTick {
		p.Tick(ctx)
	}
}

// Tick pings every connection when the interval has elapsed
func (p *Ping) Tick(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	if now.Before(p.lastPing.Add(p.interval)) {
		p.mu.Unlock()
		return
	}
	p.lastPing = now
	keys := append([]string(nil), p.keys...)
	pingers := make([]Pinger, len(keys))
	for i, k := range keys {
		pingers[i] = p.pingers[k]
	}
	p.mu.Unlock()

	for i, pinger := range pingers {
		if err := pinger.PingContext(ctx); err != nil {
			p.logger.Warn("ping failed", "connection", keys[i], "error", err)
			continue
		}
		p.logger.Debug("connection pinged", "connection", keys[i])
	}
}
