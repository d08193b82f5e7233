package streadway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/glimte/mmate-amqp/definition"
	"github.com/glimte/mmate-amqp/driver"
)

// ConnectionFactory dials one broker host and caches the connection until it closes
type ConnectionFactory struct {
	def    definition.Connection
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *Connection
}

// NewConnectionFactory creates a factory for host
func NewConnectionFactory(def definition.Connection, host string, logger *slog.Logger) *ConnectionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionFactory{def: def, url: def.URL(host), logger: logger}
}

// Connection wraps an open *amqp.Connection
type Connection struct {
	conn *amqp.Connection
}

func (c *Connection) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) Close() error {
	if !c.IsConnected() {
		return nil
	}
	return c.conn.Close()
}

// Create returns the cached connection or dials a new one
func (f *ConnectionFactory) Create(ctx context.Context) (driver.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil && f.conn.IsConnected() {
		return f.conn, nil
	}

	timeout := f.def.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(f.url, amqp.Config{
			Heartbeat: f.def.HeartbeatInterval(),
			Dial:      driver.WithReadTimeout(amqp.DefaultDial(timeout), f.def.ReadTimeout),
			Properties: amqp.Table{
				"product":         "mmate-amqp",
				"connection_name": f.def.Key,
			},
		})
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, &driver.ConnectionError{
				Op:        "connect",
				URL:       driver.SanitizeURL(f.url),
				Err:       r.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}

		f.conn = &Connection{conn: r.conn}
		closed := r.conn.NotifyClose(make(chan *amqp.Error, 1))
		go func() {
			if err := <-closed; err != nil {
				f.logger.Warn("connection closed", "connection", f.def.Key, "error", err)
			}
		}()

		f.logger.Debug("connected to broker", "connection", f.def.Key, "url", driver.SanitizeURL(f.url))
		return f.conn, nil

	case <-connCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, &driver.ConnectionError{
			Op:        "connect",
			URL:       driver.SanitizeURL(f.url),
			Err:       driver.ErrConnectTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

func (f *ConnectionFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// ChannelFactory opens one channel with the QoS of its definition and
// reopens it once closed
type ChannelFactory struct {
	cf  driver.ConnectionFactory
	def definition.Channel

	mu sync.Mutex
	ch *Channel
}

// Channel wraps an *amqp.Channel whose closure is observed through NotifyClose
type Channel struct {
	ch     *amqp.Channel
	closed atomic.Bool
}

func newChannel(ch *amqp.Channel) *Channel {
	c := &Channel{ch: ch}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-notify
		c.closed.Store(true)
	}()
	return c
}

func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ch.Close()
}

func (f *ChannelFactory) Create(ctx context.Context) (driver.Channel, error) {
	return f.channel(ctx)
}

func (f *ChannelFactory) channel(ctx context.Context) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ch != nil && !f.ch.IsClosed() {
		return f.ch, nil
	}

	conn, err := f.cf.Create(ctx)
	if err != nil {
		return nil, err
	}

	c, ok := conn.(*Connection)
	if !ok {
		return nil, &driver.ConfigurationError{
			Key:    "channels." + f.def.Key,
			Reason: fmt.Sprintf("connection of type %T does not belong to the streadway driver", conn),
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, classify("open channel", "channel", f.def.Key, err)
	}
	if err := ch.Qos(f.def.PrefetchCount, f.def.PrefetchSize, f.def.Global); err != nil {
		ch.Close()
		return nil, classify("qos", "channel", f.def.Key, err)
	}

	f.ch = newChannel(ch)
	return f.ch, nil
}

func (f *ChannelFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ch == nil {
		return nil
	}
	err := f.ch.Close()
	f.ch = nil
	return err
}

func channelOf(ctx context.Context, chf driver.ChannelFactory) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f, ok := chf.(*ChannelFactory); ok {
		return f.channel(ctx)
	}

	ch, err := chf.Create(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := ch.(*Channel)
	if !ok {
		return nil, &driver.ConfigurationError{
			Key:    "channel",
			Reason: fmt.Sprintf("channel of type %T does not belong to the streadway driver", ch),
		}
	}
	return c, nil
}
