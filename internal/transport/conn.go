package transport

import (
	"net"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/wire"
)

// Conn sends and receives framed messages on one connection. Send is safe
// for concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes msg as one frame.
func (c *Conn) Send(msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, msg)
}

// Receive reads the next frame into a new message.
func (c *Conn) Receive() (*wire.Message, error) {
	var msg wire.Message
	if err := wire.ReadFrame(c.conn, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetDeadline sets the read and write deadline on the connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
