package transfer

import (
	"net"
	"sync"
	"time"

	"lanxfer/pkg/protocol"
)

// controlConn serializes writes to a batch's control connection, which both
// the batch loop and cancel hooks use.
type controlConn struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	closed  bool
}

func newControlConn(conn net.Conn, timeout time.Duration) *controlConn {
	return &controlConn{conn: conn, timeout: timeout}
}

func (c *controlConn) send(t protocol.MessageType, body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return protocol.WriteMessage(c.conn, t, body)
}

// read waits for the next message. A zero wait means no deadline.
func (c *controlConn) read(wait time.Duration) (*protocol.Message, error) {
	deadline := time.Time{}
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return protocol.ReadMessage(c.conn)
}

func (c *controlConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// deadlineConn refreshes the connection deadline before every read and
// write, so a peer that stalls for the timeout fails the I/O.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
