package backoff

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/driver"
)

// ErrOpen is returned while a breaker rejects calls
var ErrOpen = errors.New("backoff: circuit open")

// State is the state of a Breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// OpenError reports a rejected call and when the breaker allows a probe
type OpenError struct {
	Failures  int
	NextProbe time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open after %d failures, next probe at %s", e.Failures, e.NextProbe.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// Breaker stops calling a broker that keeps failing. Only retryable broker
// errors count as failures; a rejected message says nothing about the broker.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	probes    int
	onChange  func(from, to State)
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	inFlight int
	openedAt time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithThreshold sets the consecutive failures that open the breaker
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.threshold = n
	}
}

// WithCooldown sets how long the breaker stays open before probing
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.cooldown = d
	}
}

// WithProbes sets the concurrent calls allowed while half-open
func WithProbes(n int) BreakerOption {
	return func(b *Breaker) {
		b.probes = n
	}
}

// WithStateChange sets a callback run on every transition, under no lock
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a closed breaker opening after 5 failures for 30s
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		probes:    1,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn unless the breaker is open
func (b *Breaker) Do(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.release(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	var from, to State
	changed := false

	switch b.state {
	case StateOpen:
		next := b.openedAt.Add(b.cooldown)
		if b.now().Before(next) {
			failures := b.failures
			b.mu.Unlock()
			return &OpenError{Failures: failures, NextProbe: next}
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.inFlight = 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.probes {
			failures := b.failures
			b.mu.Unlock()
			return &OpenError{Failures: failures, NextProbe: b.now()}
		}
		b.inFlight++
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return nil
}

func (b *Breaker) release(err error) {
	failed := err != nil && driver.IsRetryable(err)

	b.mu.Lock()
	from := b.state
	switch {
	case b.state == StateHalfOpen && failed:
		b.state = StateOpen
		b.openedAt = b.now()
		b.inFlight = 0
	case b.state == StateHalfOpen:
		b.inFlight--
		b.state = StateClosed
		b.failures = 0
	case failed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
