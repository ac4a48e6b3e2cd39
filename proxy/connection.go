package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/denisvmedia/go-interceptproxy/cert"
	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/conn"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/gateway"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/parser"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/proxycontext"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/upstream"
)

const (
	readBufferSize     = 32 << 10
	connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"
)

var (
	errDirectRequest = errors.New("request has no destination")
	aLongTimeAgo     = time.Unix(1, 0)
)

// session serves one client connection. After a CONNECT the transport is
// replaced by the TLS connection and the tunnel target is remembered.
type session struct {
	proxy   *Proxy
	wc      *conn.WrapClientConn
	connCtx *conn.Context
	logger  *slog.Logger
	state   atomic.Int32

	// Owned by the serving goroutine.
	rw net.Conn
	br *bufio.Reader
}

func newSession(p *Proxy, wc *conn.WrapClientConn) *session {
	return &session{
		proxy:   p,
		wc:      wc,
		connCtx: wc.ConnCtx,
		logger:  p.instanceLogger.WithFields("in", "Proxy.session", "client", wc.ConnCtx.ID()),
		rw:      wc,
		br:      bufio.NewReaderSize(wc, readBufferSize),
	}
}

// State returns the current state of the connection.
func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) close() {
	s.setState(StateClosed)
	s.wc.Close()
}

func (s *session) serve() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while serving connection", "panic", r, "stack", string(debug.Stack()))
		}
		s.close()
	}()

	ctx := proxycontext.WithConnContext(s.connCtx.Context(), s.connCtx)
	for {
		s.setState(StateAwaitingRequestLine)
		req, err := s.readRequest()
		if err != nil {
			s.readFailed(err)
			return
		}
		s.connCtx.FlowCount.Inc()
		s.setState(StateRequestComplete)

		var keep bool
		if req.Method == http.MethodConnect {
			keep, err = s.handleConnect(ctx, req)
		} else {
			keep, err = s.handleRequest(ctx, req)
		}
		if err != nil {
			s.exchangeFailed(err)
			return
		}
		if !keep {
			return
		}
	}
}

// readRequest frames the next request. Bytes past its end stay buffered for
// the following one.
func (s *session) readRequest() (*Request, error) {
	req := types.NewRequest()
	p := parser.New(req)
	p.MaxBodySize = s.proxy.config.MaxBodySize
	for !p.Done() {
		if s.br.Buffered() == 0 {
			if _, err := s.br.Peek(1); err != nil {
				if errors.Is(err, io.EOF) {
					if err := p.CloseInput(); err != nil {
						return nil, err
					}
					continue
				}
				return nil, err
			}
		}
		data, _ := s.br.Peek(s.br.Buffered())
		n, err := p.Write(data)
		_, _ = s.br.Discard(n)
		if err != nil {
			return nil, err
		}
		switch {
		case p.InBody():
			s.setState(StateReadingBody)
		case p.Started():
			s.setState(StateReadingHeaders)
		}
	}
	req.StartTime = time.Now()
	return req, nil
}

func (s *session) readFailed(err error) {
	var perr *parser.ParseError
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Debug("client closed connection")
	case errors.As(err, &perr):
		s.logger.Warn("malformed request", "error", err)
	default:
		logErr(s.logger, err)
	}
}

func (s *session) exchangeFailed(err error) {
	var (
		cerr  *upstream.ConnectionError
		caErr *cert.Error
		perr  *parser.ParseError
	)
	switch {
	case errors.Is(err, gateway.ErrDropped):
		s.logger.Debug("exchange dropped by interceptor")
	case errors.Is(err, context.Canceled):
		s.logger.Debug("connection cancelled", "error", err)
	case errors.As(err, &caErr):
		s.logger.Error("certificate authority unusable", "error", err)
	case errors.As(err, &cerr):
		s.logger.Warn("upstream exchange failed", "op", cerr.Op, "addr", cerr.Addr, "error", cerr.Err)
	case errors.As(err, &perr):
		s.logger.Warn("malformed upstream response", "error", err)
	default:
		logErr(s.logger, err)
	}
}

// handleConnect answers a CONNECT and upgrades the socket to TLS when the
// client starts a handshake. It reports whether the connection goes on.
func (s *session) handleConnect(ctx context.Context, req *Request) (bool, error) {
	host, port, err := helper.SplitHostPort(req.Target, 443)
	if err != nil || host == "" {
		s.logger.Debug("invalid CONNECT target", "target", req.Target, "error", err)
		s.writeError(http.StatusBadRequest, "invalid CONNECT target")
		return false, nil
	}
	logger := s.logger.With("host", host, "port", port)

	if s.proxy.passthrough != nil && s.proxy.passthrough(host, port) {
		logger.Debug("begin passthrough")
		req.DestHost, req.DestPort = host, port
		return false, s.passthrough(ctx, req)
	}

	if _, err := io.WriteString(s.rw, connectEstablished); err != nil {
		return false, err
	}
	s.setState(StateTLSUpgrading)

	peek, err := s.br.Peek(3)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("client closed tunnel before sending data")
			return false, nil
		}
		return false, err
	}

	tunnel := &conn.Tunnel{Host: host, Port: port}
	if helper.IsTLS(peek) {
		tlsConn := tls.Server(&bufferedConn{Conn: s.rw, r: s.br}, s.tlsConfig(host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return false, fmt.Errorf("tls handshake for %s: %w", host, err)
		}
		s.rw = tlsConn
		s.br = bufio.NewReaderSize(tlsConn, readBufferSize)
		tunnel.TLS = true
		s.connCtx.ClientConn.TLS = true
	}
	s.connCtx.ClientConn.ServerName = host
	s.connCtx.Tunnel = tunnel
	logger.Debug("tunnel established", "tls", tunnel.TLS)
	return true, nil
}

// tlsConfig presents the leaf certificate for the CONNECT host, whatever
// name the client sends in its hello.
func (s *session) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := s.proxy.ca.GetCert(host)
			if err != nil {
				s.logger.Error("issuing leaf certificate failed", "host", host, "error", err)
			}
			return c, err
		},
		NextProtos:   []string{"http/1.1"},
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	}
}

// passthrough tunnels the connection to the CONNECT target without looking
// at the traffic.
func (s *session) passthrough(ctx context.Context, req *Request) error {
	upstreamConn, err := s.proxy.upstreamManager.Dial(ctx, req)
	if err != nil {
		s.writeError(http.StatusBadGateway, "")
		return &upstream.ConnectionError{Op: upstream.OpDial, Addr: upstream.Address(req), Err: err}
	}
	defer upstreamConn.Close()

	if _, err := io.WriteString(s.rw, connectEstablished); err != nil {
		return err
	}
	s.setState(StateForwarding)
	transfer(s.logger, upstreamConn, &bufferedConn{Conn: s.rw, r: s.br})
	return nil
}

// handleRequest forwards one request and writes the response back. It
// reports whether the connection can carry another request.
func (s *session) handleRequest(ctx context.Context, req *Request) (bool, error) {
	if err := s.resolveDestination(req); err != nil {
		s.logger.Debug("direct request refused", "target", req.Target, "error", err)
		s.writeError(http.StatusBadRequest, "This is a proxy server, direct requests are not allowed")
		return false, nil
	}
	req.StripProxyHeaders()
	inScope := s.proxy.scoped(req)

	if req.IsWebsocketUpgrade() {
		return false, s.handleWebsocket(ctx, req, inScope)
	}

	stop := s.watchClient()
	final, err := s.proxy.roundTrip(ctx, req, inScope, s.setState)
	stop()
	if err != nil {
		return false, err
	}

	s.setState(StateWritingBack)
	if _, err := s.rw.Write(final.Response.Bytes()); err != nil {
		return false, err
	}
	return keepAlive(final, final.Response), nil
}

// watchClient cancels the connection context when the client hangs up while
// an exchange is in flight. stop must be called before the next read.
func (s *session) watchClient() (stop func()) {
	if s.br.Buffered() > 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.br.Peek(1); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			s.logger.Debug("client went away during exchange", "error", err)
			s.connCtx.Cancel()
		}
	}()
	return func() {
		_ = s.rw.SetReadDeadline(aLongTimeAgo)
		<-done
		_ = s.rw.SetReadDeadline(time.Time{})
	}
}

// resolveDestination fills the destination fields. Absolute-form targets
// are rewritten to origin-form; other targets go to the tunnel target.
func (s *session) resolveDestination(req *Request) error {
	if strings.HasPrefix(req.Target, "/") || req.Target == "*" {
		t := s.connCtx.Tunnel
		if t == nil {
			return errDirectRequest
		}
		req.DestHost, req.DestPort, req.UseTLS = t.Host, t.Port, t.TLS
		return nil
	}
	u, err := url.Parse(req.Target)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return errDirectRequest
	}
	return req.SetURL(u)
}

// writeError sends a complete response and marks the connection for close.
func (s *session) writeError(code int, msg string) {
	rsp := types.NewResponse()
	rsp.StatusCode = code
	rsp.Reason = http.StatusText(code)
	rsp.Header.Add("Content-Type", "text/plain; charset=utf-8")
	rsp.Header.Add("Connection", "close")
	rsp.SetBody([]byte(msg))
	if _, err := s.rw.Write(rsp.Bytes()); err != nil {
		logErr(s.logger, err)
	}
}

func keepAlive(req *Request, rsp *Response) bool {
	if req.Header.Contains("Connection", "close") || rsp.Header.Contains("Connection", "close") {
		return false
	}
	if req.Proto == "HTTP/1.0" {
		return req.Header.Contains("Connection", "keep-alive")
	}
	return true
}
