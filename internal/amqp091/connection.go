package amqp091

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

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

// ConnectionOption configures the ConnectionFactory
type ConnectionOption func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(f *ConnectionFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewConnectionFactory creates a factory for host
func NewConnectionFactory(def definition.Connection, host string, options ...ConnectionOption) *ConnectionFactory {
	f := &ConnectionFactory{
		def:    def,
		url:    def.URL(host),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Connection wraps an open *amqp.Connection
type Connection struct {
	conn *amqp.Connection
}

// IsConnected reports whether the connection is still open
func (c *Connection) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection
func (c *Connection) Close() error {
	if !c.IsConnected() {
		return nil
	}
	return c.conn.Close()
}

type dialResult struct {
	conn *amqp.Connection
	err  error
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

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(f.url, amqp.Config{
			Heartbeat: f.def.HeartbeatInterval(),
			Dial:      driver.WithReadTimeout(amqp.DefaultDial(timeout), f.def.ReadTimeout),
			Properties: amqp.Table{
				"product":         "mmate-amqp",
				"connection_name": f.def.Key,
			},
		})
		results <- dialResult{conn: conn, err: err}
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
		go f.watch(r.conn)

		f.logger.Debug("connected to broker",
			"connection", f.def.Key,
			"url", driver.SanitizeURL(f.url))

		return f.conn, nil

	case <-connCtx.Done():
		// the dial may still succeed; do not leak it
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

func (f *ConnectionFactory) watch(conn *amqp.Connection) {
	if err := <-conn.NotifyClose(make(chan *amqp.Error, 1)); err != nil {
		f.logger.Warn("connection closed",
			"connection", f.def.Key,
			"error", err)
	}
}

// Close closes the cached connection
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
