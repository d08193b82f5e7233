package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/driver"
)

func failOn(tags ...string) HandlerFunc {
	return func(_ context.Context, msg *driver.ReceivedMessage) error {
		for _, tag := range tags {
			if string(msg.Body) == tag {
				return errors.New("handler failed on " + tag)
			}
		}
		return nil
	}
}

func TestSingleAcknowledgment(t *testing.T) {
	ctx := context.Background()

	t.Run("success acks once", func(t *testing.T) {
		q := newFakeQueue(1)
		c := NewSingle("orders", q, nil, SingleConfig{}, WithHandler(failOn()))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"ack:1"}, q.acker.Actions())
	})

	t.Run("failure with requeue nacks with requeue", func(t *testing.T) {
		q := newFakeQueue(1)
		c := NewSingle("orders", q, nil, SingleConfig{RequeueOnError: true}, WithHandler(failOn("1")))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"nack:1:true"}, q.acker.Actions())
	})

	t.Run("failure without requeue nacks without requeue", func(t *testing.T) {
		q := newFakeQueue(1)
		c := NewSingle("orders", q, nil, SingleConfig{RequeueOnError: false}, WithHandler(failOn("1")))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"nack:1:false"}, q.acker.Actions())
	})

	t.Run("panic is a handler failure", func(t *testing.T) {
		q := newFakeQueue(1)
		var seen error
		c := NewSingle("orders", q, nil, SingleConfig{RequeueOnError: true},
			WithHandler(HandlerFunc(func(context.Context, *driver.ReceivedMessage) error {
				panic("boom")
			})),
			WithObserver(ObserverFunc(func(_ context.Context, e Event) {
				if e.Kind == EventProcessed {
					seen = e.Err
				}
			})))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"nack:1:true"}, q.acker.Actions())

		var handlerErr *HandlerError
		require.ErrorAs(t, seen, &handlerErr)
		assert.Equal(t, "boom", handlerErr.Panic)
	})

	t.Run("no supporting handler", func(t *testing.T) {
		q := newFakeQueue(1)
		var seen error
		c := NewSingle("orders", q, nil, SingleConfig{},
			WithObserver(ObserverFunc(func(_ context.Context, e Event) {
				if e.Kind == EventProcessed {
					seen = e.Err
				}
			})))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"nack:1:false"}, q.acker.Actions())
		assert.ErrorIs(t, seen, ErrNoHandler)
	})

	t.Run("handler settling itself is respected", func(t *testing.T) {
		q := newFakeQueue(1)
		c := NewSingle("orders", q, nil, SingleConfig{}, WithHandler(HandlerFunc(
			func(_ context.Context, msg *driver.ReceivedMessage) error {
				return msg.Reject(false)
			})))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"reject:1:false"}, q.acker.Actions())
	})

	t.Run("one message per run and the subscription is kept", func(t *testing.T) {
		q := newFakeQueue(1, 2)
		c := NewSingle("orders", q, nil, SingleConfig{}, WithHandler(failOn()))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"ack:1"}, q.acker.Actions())
		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"ack:1", "ack:2"}, q.acker.Actions())

		_, consumes, _ := q.stats()
		assert.Equal(t, 1, consumes)
	})
}

func TestRequeueInvariantAcrossModes(t *testing.T) {
	ctx := context.Background()

	for _, requeue := range []bool{true, false} {
		expected := "nack:2:false"
		if requeue {
			expected = "nack:2:true"
		}

		t.Run("single", func(t *testing.T) {
			q := newFakeQueue(1, 2, 3)
			c := NewSingle("s", q, nil, SingleConfig{RequeueOnError: requeue}, WithHandler(failOn("2")))
			n, err := c.RunBudget(ctx, Budget{Messages: 3})
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, []string{"ack:1", expected, "ack:3"}, q.acker.Actions())
		})

		t.Run("spool", func(t *testing.T) {
			q := newFakeQueue(1, 2, 3)
			c := NewSpool("s", q, SpoolConfig{PrefetchCount: 3, Timeout: time.Second, RequeueOnError: requeue}, WithHandler(failOn("2")))
			n, err := c.RunBudget(ctx, Budget{Messages: 3})
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, []string{expected, "ack:1", "ack:3"}, q.acker.Actions())
		})

		t.Run("loop", func(t *testing.T) {
			q := newFakeQueue(1, 2, 3)
			c := NewLoop("s", q, LoopStrategy{IdleTimeout: time.Millisecond}, LoopConfig{RequeueOnError: requeue}, WithHandler(failOn("2")))
			n, err := c.RunBudget(ctx, Budget{Messages: 3})
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, []string{"ack:1", expected, "ack:3"}, q.acker.Actions())
		})
	}
}

func TestCheckerSkipsWithoutTouchingQueue(t *testing.T) {
	q := newFakeQueue(1)
	c := NewSingle("orders", q, nil, SingleConfig{},
		WithHandler(failOn()),
		WithChecker(CheckerFunc(func(context.Context) (bool, error) { return false, nil })))

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrSkipped)

	creates, consumes, _ := q.stats()
	assert.Zero(t, creates)
	assert.Zero(t, consumes)
	assert.Empty(t, q.acker.Actions())
}

func TestEvents(t *testing.T) {
	q := newFakeQueue(1)

	var mu sync.Mutex
	var trace []string
	observe := func(name string) Observer {
		return ObserverFunc(func(_ context.Context, e Event) {
			mu.Lock()
			defer mu.Unlock()
			entry := name + ":" + e.Kind.String()
			if e.Kind == EventProcessed {
				entry += "(" + strings.Join(q.acker.Actions(), ",") + ")"
			}
			trace = append(trace, entry)
		})
	}
	panicking := ObserverFunc(func(context.Context, Event) { panic("observer") })

	c := NewSingle("orders", q, nil, SingleConfig{},
		WithHandler(failOn()),
		WithObserver(observe("a"), panicking, observe("b")))

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Stop())

	assert.Equal(t, []string{
		"a:received", "b:received",
		"a:processed(ack:1)", "b:processed(ack:1)",
		"a:stopped", "b:stopped",
	}, trace)
}

func TestMiddlewareWrapsHandler(t *testing.T) {
	q := newFakeQueue(1)
	var trace []string
	mw := func(name string) Middleware {
		return MiddlewareFunc(func(ctx context.Context, msg *driver.ReceivedMessage, next HandleFunc) error {
			trace = append(trace, name+">")
			err := next(ctx, msg)
			trace = append(trace, "<"+name)
			return err
		})
	}

	c := NewSingle("orders", q, nil, SingleConfig{},
		WithMiddleware(mw("outer"), mw("inner")),
		WithHandler(HandlerFunc(func(context.Context, *driver.ReceivedMessage) error {
			trace = append(trace, "handle")
			return nil
		})))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"outer>", "inner>", "handle", "<inner", "<outer"}, trace)
}

func TestSpoolBatching(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledges full batches with one multiple ack", func(t *testing.T) {
		q := newFakeQueue(1, 2, 3, 4, 5)
		c := NewSpool("orders", q, SpoolConfig{PrefetchCount: 3, Timeout: time.Second, ReadTimeout: 20 * time.Millisecond},
			WithHandler(failOn()))

		n, err := c.RunBudget(ctx, Budget{})
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, []string{"ack*:3", "ack*:5"}, q.acker.Actions())
	})

	t.Run("window closes on timeout with partial batch", func(t *testing.T) {
		q := newFakeQueue(1, 2)
		c := NewSpool("orders", q, SpoolConfig{PrefetchCount: 10, Timeout: 30 * time.Millisecond},
			WithHandler(failOn()))

		start := time.Now()
		n, err := c.window(ctx, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, []string{"ack*:2"}, q.acker.Actions())
	})

	t.Run("nothing is acknowledged before the batch closes", func(t *testing.T) {
		q := newFakeQueue(1, 2)
		var ackedDuringHandling []string
		c := NewSpool("orders", q, SpoolConfig{PrefetchCount: 2, Timeout: time.Second},
			WithHandler(HandlerFunc(func(context.Context, *driver.ReceivedMessage) error {
				ackedDuringHandling = append(ackedDuringHandling, q.acker.Actions()...)
				return nil
			})))

		_, err := c.RunBudget(ctx, Budget{Messages: 2})
		require.NoError(t, err)
		assert.Empty(t, ackedDuringHandling)
		assert.Equal(t, []string{"ack*:2"}, q.acker.Actions())
	})

	t.Run("flush failure rejects the whole batch", func(t *testing.T) {
		q := newFakeQueue(1, 2)
		c := NewSpool("orders", q, SpoolConfig{PrefetchCount: 2, Timeout: time.Second, RequeueOnError: true},
			WithHandler(&flushingHandler{err: errors.New("bulk insert failed")}))

		_, err := c.RunBudget(ctx, Budget{Messages: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"nack:1:true", "nack:2:true"}, q.acker.Actions())
	})

	t.Run("flusher sees the batch before acknowledgment", func(t *testing.T) {
		q := newFakeQueue(1, 2)
		h := &flushingHandler{}
		c := NewSpool("orders", q, SpoolConfig{PrefetchCount: 2, Timeout: time.Second}, WithHandler(h))

		_, err := c.RunBudget(ctx, Budget{Messages: 2})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"1", "2"}}, h.batches)
		assert.Empty(t, h.ackedAtFlush)
	})
}

type flushingHandler struct {
	err          error
	batches      [][]string
	ackedAtFlush []string
}

func (h *flushingHandler) Supports(*driver.ReceivedMessage) bool { return true }

func (h *flushingHandler) Handle(context.Context, *driver.ReceivedMessage) error { return nil }

func (h *flushingHandler) Flush(_ context.Context, batch []*driver.ReceivedMessage) error {
	var bodies []string
	for _, m := range batch {
		bodies = append(bodies, string(m.Body))
		if m.Answered() {
			h.ackedAtFlush = append(h.ackedAtFlush, string(m.Body))
		}
	}
	h.batches = append(h.batches, bodies)
	return h.err
}

func TestLoopConsumer(t *testing.T) {
	t.Run("recycles the subscription after read timeout", func(t *testing.T) {
		q := newFakeQueue(1)
		c := NewLoop("orders", q, LoopStrategy{IdleTimeout: 5 * time.Millisecond},
			LoopConfig{ReadTimeout: 20 * time.Millisecond}, WithHandler(failOn()))

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
		defer cancel()

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"ack:1"}, q.acker.Actions())

		_, consumes, cancels := q.stats()
		assert.GreaterOrEqual(t, consumes, 2)
		assert.GreaterOrEqual(t, cancels, 1)
	})

	t.Run("stop ends run", func(t *testing.T) {
		q := newFakeQueue()
		c := NewLoop("orders", q, LoopStrategy{IdleTimeout: 5 * time.Millisecond}, LoopConfig{}, WithHandler(failOn()))

		done := make(chan error, 1)
		go func() { done <- c.Run(context.Background()) }()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Stop())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("loop consumer did not stop")
		}
	})

	t.Run("queue errors are surfaced", func(t *testing.T) {
		q := newFakeQueue()
		q.createErr = &driver.TopologyConflictError{Kind: "queue", Name: "orders", Err: errors.New("406")}
		c := NewLoop("orders", q, nil, LoopConfig{}, WithHandler(failOn()))

		var conflict *driver.TopologyConflictError
		assert.ErrorAs(t, c.Run(context.Background()), &conflict)
	})
}

// timeoutOnce reports a read timeout without reading on its first call and
// ends the run on the second
type timeoutOnce struct {
	calls  int
	cancel context.CancelFunc
}

func (s *timeoutOnce) Consume(context.Context, Session) error {
	s.calls++
	if s.calls == 1 {
		return driver.ErrReadTimeout
	}
	s.cancel()
	return nil
}

func TestCancelledSubscriptionRequeuesBuffered(t *testing.T) {
	t.Run("recycled loop subscription", func(t *testing.T) {
		q := newBufferedQueue(1, 2)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := NewLoop("orders", q, &timeoutOnce{cancel: cancel}, LoopConfig{ReadTimeout: time.Millisecond}, WithHandler(failOn()))

		require.NoError(t, c.Run(ctx))
		assert.Equal(t, []string{"nack:1:true", "nack:2:true"}, q.acker.Actions())
		assert.Equal(t, 2, q.consumes)
	})

	t.Run("stop", func(t *testing.T) {
		q := newBufferedQueue(1, 2, 3)
		c := NewSingle("orders", q, nil, SingleConfig{}, WithHandler(failOn()))

		require.NoError(t, c.Run(context.Background()))
		require.NoError(t, c.Stop())
		assert.Equal(t, []string{"ack:1", "nack:2:true", "nack:3:true"}, q.acker.Actions())
	})
}

func TestTagGenerator(t *testing.T) {
	q := newFakeQueue(1)
	var tag string
	c := NewSingle("orders", q, nil, SingleConfig{TagGenerator: PrefixTagGenerator{Prefix: "orders-"}},
		WithHandler(HandlerFunc(func(_ context.Context, msg *driver.ReceivedMessage) error {
			tag = msg.ConsumerTag
			return nil
		})))

	require.NoError(t, c.Run(context.Background()))
	assert.True(t, strings.HasPrefix(tag, "orders-"))
	assert.Greater(t, len(tag), len("orders-"))
}
