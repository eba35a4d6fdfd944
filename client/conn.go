package client

import (
	"net"
	"sync"
	"sync/atomic"
)

// conn is one established transport. Close is idempotent and safe to call
// from the read loop, a failed writer and Disconnect at the same time.
type conn struct {
	net.Conn
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(c net.Conn) *conn {
	return &conn{Conn: c}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.Conn.Close()
	})
	return err
}

// Closed reports whether this side closed the connection.
func (c *conn) Closed() bool {
	return c.closed.Load()
}

func (c *conn) String() string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "<nil>"
}
