package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection wraps a stream or datagram socket to a game server. Writes are
// serialized and stamped with a deadline; reads belong to a single consumer.
type Connection struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	closed bool
}

// Dial opens a socket with a bounded connect timeout.
func Dial(ctx context.Context, network, host string, port int, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	addr := address(host, port)

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return NewConnection(conn, opts.WriteTimeout), nil
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Read reads from the socket. Only one goroutine may read at a time.
func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
	return n, err
}

// SetReadTimeout arms the read deadline. Zero clears it.
func (c *Connection) SetReadTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		return
	}
	c.conn.SetReadDeadline(time.Time{})
}

// Write sends data in one call under the write lock.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Dur("uptime", time.Since(c.connectedAt)).Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RemoteAddr returns the server address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
