package upstream_test

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/upstream"
)

// serveRaw accepts a single connection, drains the request head and writes
// reply verbatim before closing.
func serveRaw(c *qt.C, reply string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = io.WriteString(conn, reply)
	}()
	return ln.Addr().String()
}

func requestFor(c *qt.C, addr string, useTLS bool) *types.Request {
	host, portStr, err := net.SplitHostPort(addr)
	c.Assert(err, qt.IsNil)
	port, err := strconv.Atoi(portStr)
	c.Assert(err, qt.IsNil)
	return newRequest(host, port, useTLS)
}

func newConnector() *upstream.Connector {
	return upstream.NewConnector(upstream.NewManager("", true), upstream.Options{}, nil)
}

func TestExchangePlain(t *testing.T) {
	c := qt.New(t)

	addr := serveRaw(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Test: 1\r\n\r\nhello")
	rsp, err := newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	c.Assert(err, qt.IsNil)
	c.Assert(rsp.StatusCode, qt.Equals, 200)
	c.Assert(rsp.Reason, qt.Equals, "OK")
	c.Assert(rsp.Header.Get("X-Test"), qt.Equals, "1")
	c.Assert(string(rsp.Body()), qt.Equals, "hello")
}

func TestExchangeSkipsContinue(t *testing.T) {
	c := qt.New(t)

	addr := serveRaw(c, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok")
	rsp, err := newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	c.Assert(err, qt.IsNil)
	c.Assert(rsp.StatusCode, qt.Equals, 201)
	c.Assert(string(rsp.Body()), qt.Equals, "ok")
}

func TestExchangeReadsUntilClose(t *testing.T) {
	c := qt.New(t)

	addr := serveRaw(c, "HTTP/1.0 200 OK\r\n\r\nstreamed body")
	rsp, err := newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	c.Assert(err, qt.IsNil)
	c.Assert(string(rsp.Body()), qt.Equals, "streamed body")
	c.Assert(rsp.Header.Get("Content-Length"), qt.Equals, "13")
}

func TestExchangeTruncatedResponse(t *testing.T) {
	c := qt.New(t)

	addr := serveRaw(c, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort")
	_, err := newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	var cerr *upstream.ConnectionError
	c.Assert(errors.As(err, &cerr), qt.IsTrue)
	c.Assert(cerr.Op, qt.Equals, upstream.OpRead)
	c.Assert(errors.Is(err, io.ErrUnexpectedEOF), qt.IsTrue)
}

func TestExchangeTLS(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = io.WriteString(w, "secure")
	}))
	c.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	c.Assert(err, qt.IsNil)
	req := requestFor(c, u.Host, true)
	req.Target = "/secret"
	req.Header.Add("Connection", "close")

	rsp, err := newConnector().Exchange(context.Background(), req)

	c.Assert(err, qt.IsNil)
	c.Assert(rsp.StatusCode, qt.Equals, 200)
	c.Assert(rsp.Header.Get("X-Path"), qt.Equals, "/secret")
	c.Assert(string(rsp.Body()), qt.Equals, "secure")
}

func TestExchangeVerifyUpstreamRejectsUnknownAuthority(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	c.Assert(err, qt.IsNil)

	connector := upstream.NewConnector(upstream.NewManager("", false), upstream.Options{VerifyUpstream: true}, nil)
	_, err = connector.Exchange(context.Background(), requestFor(c, u.Host, true))

	var cerr *upstream.ConnectionError
	c.Assert(errors.As(err, &cerr), qt.IsTrue)
	c.Assert(cerr.Op, qt.Equals, upstream.OpTLS)
	// The address host is checked against the certificate, so the failure
	// is about trust, not a missing server name.
	var authErr x509.UnknownAuthorityError
	c.Assert(errors.As(err, &authErr), qt.IsTrue)
}

func TestExchangeVerifyUpstreamAcceptsTrustedIPCertificate(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "trusted")
	}))
	c.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	c.Assert(err, qt.IsNil)

	// httptest certificates carry the 127.0.0.1 IP SAN.
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	req := requestFor(c, u.Host, true)
	req.Header.Add("Connection", "close")

	connector := upstream.NewConnector(upstream.NewManager("", false), upstream.Options{VerifyUpstream: true, RootCAs: pool}, nil)
	rsp, err := connector.Exchange(context.Background(), req)

	c.Assert(err, qt.IsNil)
	c.Assert(string(rsp.Body()), qt.Equals, "trusted")
}

func TestExchangeReadTimeout(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Start a response, then stall.
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
		_, _ = io.Copy(io.Discard, conn)
	}()

	connector := upstream.NewConnector(upstream.NewManager("", true), upstream.Options{ReadTimeout: 100 * time.Millisecond}, nil)
	start := time.Now()
	_, err = connector.Exchange(context.Background(), requestFor(c, ln.Addr().String(), false))

	var cerr *upstream.ConnectionError
	c.Assert(errors.As(err, &cerr), qt.IsTrue)
	c.Assert(cerr.Op, qt.Equals, upstream.OpRead)
	c.Assert(errors.Is(err, os.ErrDeadlineExceeded), qt.IsTrue)
	c.Assert(time.Since(start) < 5*time.Second, qt.IsTrue)
}

func TestExchangeReadTimeoutResetsOnProgress(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n")
		// Each pause is shorter than the timeout, their sum is longer.
		for _, b := range []string{"s", "l", "o", "w", "!"} {
			time.Sleep(60 * time.Millisecond)
			_, _ = io.WriteString(conn, b)
		}
	}()

	connector := upstream.NewConnector(upstream.NewManager("", true), upstream.Options{ReadTimeout: 200 * time.Millisecond}, nil)
	rsp, err := connector.Exchange(context.Background(), requestFor(c, ln.Addr().String(), false))

	c.Assert(err, qt.IsNil)
	c.Assert(string(rsp.Body()), qt.Equals, "slow!")
}

func TestExchangeDialFailure(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	addr := ln.Addr().String()
	ln.Close()

	_, err = newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	var cerr *upstream.ConnectionError
	c.Assert(errors.As(err, &cerr), qt.IsTrue)
	c.Assert(cerr.Op, qt.Equals, upstream.OpDial)
	c.Assert(cerr.Addr, qt.Equals, addr)
}

func TestExchangeCancelClosesTransport(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { ln.Close() })

	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Never answer; wait for the client to hang up.
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := newConnector().Exchange(ctx, requestFor(c, ln.Addr().String(), false))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		c.Assert(errors.Is(err, context.Canceled), qt.IsTrue)
	case <-time.After(5 * time.Second):
		c.Fatal("exchange did not return after cancellation")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		c.Fatal("upstream socket was not closed")
	}
}

func TestExchangeMalformedResponse(t *testing.T) {
	c := qt.New(t)

	addr := serveRaw(c, "garbage\r\n\r\n")
	_, err := newConnector().Exchange(context.Background(), requestFor(c, addr, false))

	var cerr *upstream.ConnectionError
	c.Assert(err, qt.IsNotNil)
	c.Assert(errors.As(err, &cerr), qt.IsFalse)
}

func TestDialWebsocket(t *testing.T) {
	c := qt.New(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, http.Header{"X-Upstream": {"yes"}})
		if err != nil {
			return
		}
		defer ws.Close()
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(mt, append([]byte("echo:"), msg...))
	}))
	c.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	c.Assert(err, qt.IsNil)
	req := requestFor(c, u.Host, false)
	req.Target = "/ws"
	req.Header.Add("Upgrade", "websocket")
	req.Header.Add("Connection", "Upgrade")
	req.Header.Add("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Add("Sec-WebSocket-Version", "13")

	wsConn, rsp, err := newConnector().DialWebsocket(context.Background(), req)
	c.Assert(err, qt.IsNil)
	defer wsConn.Close()

	c.Assert(rsp.StatusCode, qt.Equals, http.StatusSwitchingProtocols)
	c.Assert(rsp.Header.Get("X-Upstream"), qt.Equals, "yes")

	c.Assert(wsConn.WriteMessage(websocket.TextMessage, []byte("hi")), qt.IsNil)
	mt, msg, err := wsConn.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(mt, qt.Equals, websocket.TextMessage)
	c.Assert(string(msg), qt.Equals, "echo:hi")
}

func TestDialWebsocketRejected(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	c.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	c.Assert(err, qt.IsNil)

	_, rsp, err := newConnector().DialWebsocket(context.Background(), requestFor(c, u.Host, false))

	c.Assert(errors.Is(err, websocket.ErrBadHandshake), qt.IsTrue)
	c.Assert(rsp, qt.IsNotNil)
	c.Assert(rsp.StatusCode, qt.Equals, http.StatusForbidden)
	c.Assert(string(rsp.Body()), qt.Equals, "nope\n")
}

func TestDialWebsocketRejectedWithLargeBody(t *testing.T) {
	tests := []struct {
		name    string
		chunked bool
	}{
		{"content length", false},
		{"chunked", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)

			body := strings.Repeat("x", 4096)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if !tt.chunked {
					w.Header().Set("Content-Length", strconv.Itoa(len(body)))
				}
				w.WriteHeader(http.StatusForbidden)
				_, _ = io.WriteString(w, body)
			}))
			c.Cleanup(srv.Close)

			u, err := url.Parse(srv.URL)
			c.Assert(err, qt.IsNil)

			_, rsp, err := newConnector().DialWebsocket(context.Background(), requestFor(c, u.Host, false))

			c.Assert(err, qt.ErrorIs, upstream.ErrRejectionTruncated)
			c.Assert(rsp, qt.IsNil)
		})
	}
}
