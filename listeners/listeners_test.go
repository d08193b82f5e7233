package listeners

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-amqp/consumer"
	"github.com/glimte/mmate-amqp/interceptors"
)

func TestReleaseMemory(t *testing.T) {
	ctx := context.Background()

	run := func(before bool, kinds ...consumer.EventKind) int {
		resets := 0
		l := NewReleaseMemory(interceptors.ResetterFunc(func() { resets++ }), before)
		l.collect = func() {}
		for _, k := range kinds {
			l.OnEvent(ctx, consumer.Event{Kind: k, Consumer: "orders"})
		}
		return resets
	}

	assert.Equal(t, 1, run(true, consumer.EventReceived, consumer.EventProcessed, consumer.EventTick))
	assert.Equal(t, 1, run(false, consumer.EventReceived, consumer.EventProcessed, consumer.EventTick))
	assert.Equal(t, 0, run(false, consumer.EventReceived, consumer.EventStopped))
}

type countingPinger struct {
	calls int
	err   error
}

func (p *countingPinger) PingContext(context.Context) error {
	p.calls++
	return p.err
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p := NewPing(time.Minute)
	p.now = func() time.Time { return clock }
	p.lastPing = clock

	db := &countingPinger{}
	broken := &countingPinger{err: errors.New("bad connection")}
	p.Add("default", db)
	p.Add("reports", broken)

	tick := consumer.Event{Kind: consumer.EventTick, Consumer: "orders"}

	p.OnEvent(ctx, tick)
	assert.Equal(t, 0, db.calls)

	clock = clock.Add(59 * time.Second)
	p.OnEvent(ctx, tick)
	assert.Equal(t, 0, db.calls)

	clock = clock.Add(time.Second)
	p.OnEvent(ctx, tick)
	assert.Equal(t, 1, db.calls)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, clock, p.LastPing())

	p.OnEvent(ctx, consumer.Event{Kind: consumer.EventProcessed})
	clock = clock.Add(30 * time.Second)
	p.OnEvent(ctx, tick)
	assert.Equal(t, 1, db.calls)
}
