package roundrobin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/registry"
)

// scriptedConsumer has a number of pending messages and records its turns
type scriptedConsumer struct {
	key     string
	pending int
	err     error
	trace   *[]string
	mu      *sync.Mutex
	budgets []consumer.Budget
}

func (c *scriptedConsumer) Key() string                 { return c.key }
func (c *scriptedConsumer) Run(ctx context.Context) error { return nil }
func (c *scriptedConsumer) Stop() error                 { return nil }

func (c *scriptedConsumer) RunBudget(_ context.Context, budget consumer.Budget) (int, error) {
	c.budgets = append(c.budgets, budget)
	if c.err != nil {
		return 0, c.err
	}

	n := budget.Messages
	if c.pending < n {
		n = c.pending
	}
	c.pending -= n

	c.mu.Lock()
	*c.trace = append(*c.trace, c.key)
	c.mu.Unlock()

	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func TestSchedulerFairness(t *testing.T) {
	var trace []string
	var mu sync.Mutex

	a := &scriptedConsumer{key: "a", pending: 1000, trace: &trace, mu: &mu}
	b := &scriptedConsumer{key: "b", pending: 3, trace: &trace, mu: &mu}

	consumers := registry.New[consumer.Consumer]("consumer")
	consumers.Add("a", a)
	consumers.Add("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{ExecutesMessagesPerConsumer: 2, ConsumersReadTimeout: time.Second}, consumers, []string{"a", "b"})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) >= 6
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, trace[:6])

	assert.Equal(t, consumer.Budget{Messages: 2, ReadTimeout: time.Second}, a.budgets[0])
	assert.Equal(t, 0, b.pending)
}

func TestSchedulerContinuesAfterFailure(t *testing.T) {
	var trace []string
	var mu sync.Mutex

	broken := &scriptedConsumer{key: "broken", err: errors.New("connection refused"), trace: &trace, mu: &mu}
	skipped := &scriptedConsumer{key: "skipped", err: consumer.ErrSkipped, trace: &trace, mu: &mu}
	ok := &scriptedConsumer{key: "ok", pending: 100, trace: &trace, mu: &mu}

	consumers := registry.New[consumer.Consumer]("consumer")
	consumers.Add("broken", broken)
	consumers.Add("skipped", skipped)
	consumers.Add("ok", ok)

	s := New(Config{ExecutesMessagesPerConsumer: 1, ConsumersReadTimeout: time.Second, FullTimeout: 30 * time.Millisecond},
		consumers, []string{"broken", "skipped", "ok"})

	require.NoError(t, s.Run(context.Background()))
	assert.Greater(t, len(broken.budgets), 1)
	assert.Less(t, ok.pending, 100)
}

func TestSchedulerBacksOffWhenNoTurnCompletes(t *testing.T) {
	var trace []string
	var mu sync.Mutex

	refused := errors.New("connection refused")
	a := &scriptedConsumer{key: "a", err: refused, trace: &trace, mu: &mu}
	b := &scriptedConsumer{key: "b", err: consumer.ErrSkipped, trace: &trace, mu: &mu}

	consumers := registry.New[consumer.Consumer]("consumer")
	consumers.Add("a", a)
	consumers.Add("b", b)

	s := New(Config{ExecutesMessagesPerConsumer: 1, ConsumersReadTimeout: time.Second, FullTimeout: 100 * time.Millisecond},
		consumers, []string{"a", "b"}, WithIdleInterval(40*time.Millisecond))

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))

	assert.GreaterOrEqual(t, len(a.budgets), 2)
	assert.LessOrEqual(t, len(a.budgets), 3)
	assert.Equal(t, len(a.budgets), len(b.budgets))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSchedulerValidation(t *testing.T) {
	consumers := registry.New[consumer.Consumer]("consumer")

	t.Run("unknown consumer", func(t *testing.T) {
		err := New(Config{ExecutesMessagesPerConsumer: 1, ConsumersReadTimeout: time.Second}, consumers, []string{"missing"}).
			Run(context.Background())

		var notFound *registry.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("read timeout must be positive", func(t *testing.T) {
		err := New(Config{ExecutesMessagesPerConsumer: 1}, consumers, nil).Run(context.Background())
		assert.ErrorContains(t, err, "consumers_read_timeout")
	})

	t.Run("no consumers", func(t *testing.T) {
		err := New(Config{ExecutesMessagesPerConsumer: 1, ConsumersReadTimeout: time.Second}, consumers, nil).
			Run(context.Background())
		assert.Error(t, err)
	})
}
