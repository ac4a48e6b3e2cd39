package conn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ClientConn represents a browser-facing connection.
type ClientConn struct {
	ID   uuid.UUID
	Conn net.Conn
	TLS  bool
	// ServerName is the host the client asked to tunnel to with CONNECT.
	ServerName string
}

// NewClientConn creates a new ClientConn instance.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:   uuid.NewV4(),
		Conn: c,
	}
}

func (c *ClientConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["tls"] = c.TLS
	m["serverName"] = c.ServerName
	m["address"] = c.Conn.RemoteAddr().String()
	return json.Marshal(m)
}

// ServerConn represents one upstream connection. Each exchange opens its own.
type ServerConn struct {
	ID       uuid.UUID
	Address  string
	Conn     net.Conn
	TLSState *tls.ConnectionState
}

// NewServerConn creates a new ServerConn instance.
func NewServerConn(address string) *ServerConn {
	return &ServerConn{
		ID:      uuid.NewV4(),
		Address: address,
	}
}

func (c *ServerConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["address"] = c.Address
	peername := ""
	if c.Conn != nil {
		peername = c.Conn.RemoteAddr().String()
	}
	m["peername"] = peername
	return json.Marshal(m)
}

// Tunnel is the CONNECT target carried forward to every request that arrives
// on the same socket without an absolute URL.
type Tunnel struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// Context is the state shared by everything working for one client
// connection. Its context is cancelled when the client connection closes.
type Context struct {
	ClientConn *ClientConn
	Tunnel     *Tunnel
	// FlowCount is the number of requests read on the connection.
	FlowCount atomic.Uint32

	serverConn atomic.Pointer[ServerConn]
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewContext creates a connection context derived from parent.
func NewContext(parent context.Context, clientConn *ClientConn) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ClientConn: clientConn,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the connection ID.
func (c *Context) ID() uuid.UUID {
	return c.ClientConn.ID
}

// Context is done once the client connection is gone.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Cancel aborts every wait and exchange tied to the connection.
func (c *Context) Cancel() {
	c.cancel()
}

func (c *Context) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID()
	m["clientConn"] = c.ClientConn
	m["flowCount"] = c.FlowCount.Load()
	if c.Tunnel != nil {
		m["tunnel"] = c.Tunnel
	}
	return json.Marshal(m)
}

// ServerConn returns the upstream connection currently in use, if any.
func (c *Context) ServerConn() *ServerConn {
	return c.serverConn.Load()
}

// SetServerConn records the upstream connection in use. nil clears it.
func (c *Context) SetServerConn(sc *ServerConn) {
	c.serverConn.Store(sc)
}
