package conn

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
)

// Observer is told when connections go away.
type Observer interface {
	ClientDisconnected(*ClientConn)
	ServerDisconnected(*Context, *ServerConn)
}

// WrapClientConn wraps a net.Conn for browser-facing connections. Reads go
// through a buffer so the first bytes can be peeked before choosing between
// TLS and plain HTTP.
type WrapClientConn struct {
	net.Conn
	r        *bufio.Reader
	ConnCtx  *Context
	observer Observer

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}
}

// NewWrapClientConn creates a new wrapped client connection.
func NewWrapClientConn(c net.Conn, observer Observer) *WrapClientConn {
	return &WrapClientConn{
		Conn:      c,
		r:         bufio.NewReader(c),
		observer:  observer,
		CloseChan: make(chan struct{}),
	}
}

// Peek returns the next n bytes without advancing the reader.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// Read reads data from the connection.
func (c *WrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

// Close closes the connection once, cancels the connection context and
// closes any upstream connection still in use.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("WrapClientConn close", "remoteAddr", c.Conn.RemoteAddr().String())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)

	if c.ConnCtx != nil {
		c.ConnCtx.Cancel()
		if sc := c.ConnCtx.ServerConn(); sc != nil && sc.Conn != nil {
			sc.Conn.Close()
		}
		if c.observer != nil {
			c.observer.ClientDisconnected(c.ConnCtx.ClientConn)
		}
	}

	return c.closeErr
}

// WrapServerConn wraps a net.Conn for upstream connections.
type WrapServerConn struct {
	net.Conn
	ConnCtx    *Context
	ServerConn *ServerConn
	observer   Observer

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// NewWrapServerConn wraps c and registers it as the connection's active
// upstream connection.
func NewWrapServerConn(c net.Conn, connCtx *Context, sc *ServerConn, observer Observer) *WrapServerConn {
	w := &WrapServerConn{
		Conn:       c,
		ConnCtx:    connCtx,
		ServerConn: sc,
		observer:   observer,
	}
	sc.Conn = w
	if connCtx != nil {
		connCtx.SetServerConn(sc)
	}
	return w
}

// Close closes the connection once and unregisters it.
func (c *WrapServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("WrapServerConn close", "address", c.ServerConn.Address)

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()

	if c.ConnCtx != nil {
		if c.ConnCtx.ServerConn() == c.ServerConn {
			c.ConnCtx.SetServerConn(nil)
		}
		if c.observer != nil {
			c.observer.ServerDisconnected(c.ConnCtx, c.ServerConn)
		}
	}

	return c.closeErr
}
