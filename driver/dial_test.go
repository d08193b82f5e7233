package driver

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeDial(peer *net.Conn) DialFunc {
	return func(string, string) (net.Conn, error) {
		client, server := net.Pipe()
		*peer = server
		return client, nil
	}
}

func TestWithReadTimeout(t *testing.T) {
	t.Run("idle read fails after the timeout", func(t *testing.T) {
		var server net.Conn
		conn, err := WithReadTimeout(pipeDial(&server), 20*time.Millisecond)("tcp", "broker:5672")
		require.NoError(t, err)
		defer conn.Close()
		defer server.Close()

		start := time.Now()
		_, err = conn.Read(make([]byte, 8))
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("each read gets a fresh deadline", func(t *testing.T) {
		var server net.Conn
		conn, err := WithReadTimeout(pipeDial(&server), 50*time.Millisecond)("tcp", "broker:5672")
		require.NoError(t, err)
		defer conn.Close()
		defer server.Close()

		go func() {
			for i := 0; i < 3; i++ {
				time.Sleep(30 * time.Millisecond)
				_, _ = server.Write([]byte{byte(i)})
			}
		}()

		buf := make([]byte, 1)
		for i := 0; i < 3; i++ {
			n, err := conn.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, byte(i), buf[0])
		}
	})

	t.Run("zero timeout keeps the dialer", func(t *testing.T) {
		failing := DialFunc(func(string, string) (net.Conn, error) { return nil, errors.New("refused") })
		_, err := WithReadTimeout(failing, 0)("tcp", "broker:5672")
		assert.EqualError(t, err, "refused")
	})
}
