package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/conn"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/parser"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/proxycontext"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

const (
	readBufferSize   = 32 << 10
	handshakeTimeout = 45 * time.Second
	// gorilla's dialer keeps at most this many body bytes of a refused
	// upgrade.
	rejectedBodyLimit = 1024
)

// Headers gorilla's dialer writes itself.
var websocketHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// Options tune a Connector.
type Options struct {
	// VerifyUpstream turns on certificate chain and host name verification
	// of upstream servers. It is off by default.
	VerifyUpstream bool
	// RootCAs replaces the system roots when verifying. Nil uses the system roots.
	RootCAs *x509.CertPool
	// MaxBodySize limits response bodies. Zero means unlimited.
	MaxBodySize int64
	// ReadTimeout bounds the wait for the next bytes from an upstream server.
	// The deadline moves forward after every read. Zero disables it.
	ReadTimeout time.Duration
}

// Connector performs upstream exchanges. Every call opens its own transport
// and closes it when the exchange completes.
type Connector struct {
	manager  *Manager
	opts     Options
	observer conn.Observer
	logger   *slog.Logger
}

// NewConnector creates a Connector.
func NewConnector(manager *Manager, opts Options, observer conn.Observer) *Connector {
	return &Connector{
		manager:  manager,
		opts:     opts,
		observer: observer,
		logger:   slog.Default().With("in", "upstream.Connector"),
	}
}

// idleTimeoutConn pushes the read deadline forward before every read.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// Exchange sends req to its destination and reads one response. Interim 1xx
// responses other than 101 are skipped. Cancelling ctx closes the transport.
func (c *Connector) Exchange(ctx context.Context, req *types.Request) (*types.Response, error) {
	addr := Address(req)
	logger := c.logger.With("addr", addr, "method", req.Method, "target", req.Target)

	rawConn, err := c.manager.Dial(ctx, req)
	if err != nil {
		return nil, &ConnectionError{Op: OpDial, Addr: addr, Err: err}
	}
	var upstreamConn net.Conn = rawConn
	sc := conn.NewServerConn(addr)
	if connCtx, ok := proxycontext.GetConnContext(ctx); ok {
		upstreamConn = conn.NewWrapServerConn(rawConn, connCtx, sc, c.observer)
	}
	base := upstreamConn
	defer base.Close()
	stop := context.AfterFunc(ctx, func() { base.Close() })
	defer stop()
	if c.opts.ReadTimeout > 0 {
		upstreamConn = &idleTimeoutConn{Conn: upstreamConn, timeout: c.opts.ReadTimeout}
	}

	if req.UseTLS {
		tlsConn := tls.Client(upstreamConn, c.tlsConfig(req.DestHost))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, c.connErr(ctx, OpTLS, addr, err)
		}
		state := tlsConn.ConnectionState()
		sc.TLSState = &state
		upstreamConn = tlsConn
	}

	if _, err := upstreamConn.Write(req.Bytes()); err != nil {
		return nil, c.connErr(ctx, OpWrite, addr, err)
	}

	rsp, err := c.readResponse(upstreamConn, req.Method)
	if err != nil {
		var perr *parser.ParseError
		if errors.As(err, &perr) {
			logger.Debug("upstream response parse error", "error", err)
			return nil, err
		}
		return nil, c.connErr(ctx, OpRead, addr, err)
	}
	logger.Debug("exchange complete", "status", rsp.StatusCode)
	return rsp, nil
}

func (c *Connector) readResponse(rd io.Reader, method string) (*types.Response, error) {
	buf := make([]byte, readBufferSize)
	var pending []byte
	var readErr error
	for {
		rsp := types.NewResponse()
		p := parser.NewResponse(rsp, method)
		p.MaxBodySize = c.opts.MaxBodySize
		for !p.Done() {
			if len(pending) == 0 {
				if readErr != nil {
					if !errors.Is(readErr, io.EOF) {
						return nil, readErr
					}
					if err := p.CloseInput(); err != nil {
						if errors.Is(err, io.EOF) {
							return nil, io.ErrUnexpectedEOF
						}
						return nil, err
					}
					continue
				}
				var n int
				n, readErr = rd.Read(buf)
				pending = buf[:n]
				continue
			}
			consumed, err := p.Write(pending)
			pending = pending[consumed:]
			if err != nil {
				return nil, err
			}
		}
		if rsp.StatusCode >= 100 && rsp.StatusCode < 200 && rsp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return rsp, nil
	}
}

// DialWebsocket performs the websocket handshake for req upstream. When the
// server rejects the upgrade, its response is returned with the error.
func (c *Connector) DialWebsocket(ctx context.Context, req *types.Request) (*websocket.Conn, *types.Response, error) {
	addr := Address(req)
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return c.manager.Dial(ctx, req)
		},
		TLSClientConfig:  c.tlsConfig(req.DestHost),
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     subprotocols(req.Header),
	}

	scheme := "ws"
	if req.UseTLS {
		scheme = "wss"
	}
	header := http.Header{}
	for _, f := range req.Header.Pairs() {
		if lo.ContainsBy(websocketHandshakeHeaders, func(h string) bool { return strings.EqualFold(h, f.Key) }) {
			continue
		}
		header.Add(f.Key, f.Value)
	}

	wsConn, resp, err := dialer.DialContext(ctx, scheme+"://"+addr+req.Target, header)
	var rsp *types.Response
	complete := true
	if resp != nil {
		rsp, complete = fromHTTPResponse(resp)
	}
	if err != nil {
		if !complete {
			// Forwarding the cut body would change the server's answer.
			c.logger.Debug("refused websocket upgrade body truncated", "addr", addr, "status", resp.StatusCode)
			return nil, nil, &ConnectionError{Op: OpRead, Addr: addr, Err: ErrRejectionTruncated}
		}
		op := OpDial
		if errors.Is(err, websocket.ErrBadHandshake) {
			op = OpRead
		}
		return nil, rsp, c.connErr(ctx, op, addr, err)
	}
	return wsConn, rsp, nil
}

func (c *Connector) tlsConfig(host string) *tls.Config {
	// ServerName is also checked against IP SANs when host is an address.
	// SNI is only sent for names.
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !c.opts.VerifyUpstream,
		RootCAs:            c.opts.RootCAs,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
		NextProtos:         []string{"http/1.1"},
	}
}

func (c *Connector) connErr(ctx context.Context, op Op, addr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ConnectionError{Op: op, Addr: addr, Err: err}
}

func subprotocols(h *types.Header) []string {
	var out []string
	for _, v := range h.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// fromHTTPResponse converts a refused upgrade response. It reports false when
// the body may have been cut at rejectedBodyLimit.
func fromHTTPResponse(resp *http.Response) (*types.Response, bool) {
	rsp := types.NewResponse()
	rsp.Proto = resp.Proto
	rsp.StatusCode = resp.StatusCode
	rsp.Reason = strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	keys := lo.Keys(resp.Header)
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			rsp.Header.Add(k, v)
		}
	}
	if resp.Body == nil {
		return rsp, true
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(body) > 0 {
		rsp.SetBody(body)
	}
	switch {
	case resp.ContentLength >= 0:
		return rsp, int64(len(body)) == resp.ContentLength
	default:
		return rsp, len(body) < rejectedBodyLimit
	}
}
