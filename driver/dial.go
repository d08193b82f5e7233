package driver

import (
	"net"
	"time"
)

// DialFunc opens the socket of a broker connection
type DialFunc func(network, addr string) (net.Conn, error)

// WithReadTimeout wraps dial so every read on the socket fails once timeout
// passes without data. A non-positive timeout returns dial unchanged.
func WithReadTimeout(dial DialFunc, timeout time.Duration) DialFunc {
	if timeout <= 0 {
		return dial
	}
	return func(network, addr string) (net.Conn, error) {
		conn, err := dial(network, addr)
		if err != nil {
			return nil, err
		}
		return &readTimeoutConn{Conn: conn, timeout: timeout}, nil
	}
}

type readTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *readTimeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
