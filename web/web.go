// Package web exposes intercepted traffic to browser clients over a
// websocket speaking a small binary protocol. Clients install breakpoint
// rules; matching messages wait until the client sends a change or a drop.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// Interceptor serves the websocket endpoint and forwards every offered
// message to the connected clients.
type Interceptor struct {
	addr     string
	upgrader *websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger

	mu    sync.RWMutex
	conns []*concurrentConn

	watchedMu sync.Mutex
	watched   map[*proxy.ConnContext]struct{}
}

var _ proxy.Interceptor = (*Interceptor)(nil)

// NewInterceptor creates an interceptor serving on addr once Start is called.
func NewInterceptor(addr string) *Interceptor {
	w := &Interceptor{
		addr: addr,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  slog.Default().With("in", "web.Interceptor"),
		watched: make(map[*proxy.ConnContext]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", w.echo)
	w.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return w
}

// Handler returns the HTTP handler with the websocket endpoint at /echo.
func (w *Interceptor) Handler() http.Handler {
	return w.server.Handler
}

// Start listens on the configured address and serves until Close.
func (w *Interceptor) Start() error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return err
	}
	return w.Serve(ln)
}

// Serve serves on ln until Close.
func (w *Interceptor) Serve(ln net.Listener) error {
	w.logger.Info("web interface listening", "addr", ln.Addr().String())
	err := w.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the server and disconnects every client. Messages waiting for
// a client pass through.
func (w *Interceptor) Close() error {
	err := w.server.Close()
	for _, c := range w.snapshot() {
		c.conn.Close()
	}
	return err
}

func (w *Interceptor) echo(rw http.ResponseWriter, r *http.Request) {
	c, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("upgrade failed", "error", err)
		return
	}

	conn := newConn(c)
	w.addConn(conn)
	defer func() {
		w.removeConn(conn)
		c.Close()
	}()

	conn.readloop()
}

func (w *Interceptor) addConn(c *concurrentConn) {
	w.mu.Lock()
	w.conns = append(w.conns, c)
	w.mu.Unlock()
	w.logger.Debug("client connected", "remote", c.conn.RemoteAddr().String())
}

func (w *Interceptor) removeConn(c *concurrentConn) {
	w.mu.Lock()
	w.conns = lo.Without(w.conns, c)
	w.mu.Unlock()
	w.logger.Debug("client disconnected", "remote", c.conn.RemoteAddr().String())
}

func (w *Interceptor) snapshot() []*concurrentConn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*concurrentConn(nil), w.conns...)
}

func (*Interceptor) Interests() proxy.Interests {
	return proxy.Interests{Requests: true, Responses: true, Websocket: true}
}

// announce sends the connection message once per client connection and
// reports its close later.
func (w *Interceptor) announce(ctx context.Context, conns []*concurrentConn) uuid.UUID {
	connCtx, ok := proxy.ConnContextFrom(ctx)
	if !ok {
		return uuid.Nil
	}
	announced := false
	for _, c := range conns {
		if c.trySendConnMessage(connCtx) {
			announced = true
		}
	}
	if announced {
		w.watchClose(connCtx)
	}
	return connCtx.ID()
}

func (w *Interceptor) watchClose(connCtx *proxy.ConnContext) {
	w.watchedMu.Lock()
	if _, ok := w.watched[connCtx]; ok {
		w.watchedMu.Unlock()
		return
	}
	w.watched[connCtx] = struct{}{}
	w.watchedMu.Unlock()

	go func() {
		<-connCtx.Context().Done()
		w.watchedMu.Lock()
		delete(w.watched, connCtx)
		w.watchedMu.Unlock()
		for _, c := range w.snapshot() {
			c.whenConnClose(connCtx)
		}
	}()
}

// flowID ties the messages of one exchange together. Requests built without
// NewRequest get a fresh id.
func flowID(req *proxy.Request) uuid.UUID {
	if uuid.Equal(req.FlowID, uuid.Nil) {
		return newFlowID()
	}
	return req.FlowID
}

func (w *Interceptor) MangleRequest(ctx context.Context, req *proxy.Request) (*proxy.Request, error) {
	conns := w.snapshot()
	if len(conns) == 0 {
		return req, nil
	}
	connID := w.announce(ctx, conns)
	id := flowID(req)

	for _, c := range conns {
		head, err := newMessageRequest(id, connID, req)
		if err != nil {
			return nil, err
		}
		c.writeMessage(head)
		body := newMessageBody(messageTypeRequestBody, id, req.DecodedBody, req.Body())
		edit := c.writeMessageMayWait(ctx, body, req, actionRequest)
		if edit == nil {
			continue
		}
		if edit.mType.isDrop() {
			return nil, nil
		}
		if req, err = edit.applyRequest(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (w *Interceptor) MangleResponse(ctx context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	conns := w.snapshot()
	if len(conns) == 0 {
		return rsp, nil
	}
	id := flowID(req)

	for _, c := range conns {
		head, err := newMessageResponse(id, rsp)
		if err != nil {
			return nil, err
		}
		c.writeMessage(head)
		body := newMessageBody(messageTypeResponseBody, id, rsp.DecodedBody, rsp.Body())
		edit := c.writeMessageMayWait(ctx, body, req, actionResponse)
		if edit == nil {
			continue
		}
		if edit.mType.isDrop() {
			return nil, nil
		}
		if rsp, err = edit.applyResponse(rsp); err != nil {
			return nil, err
		}
	}
	return rsp, nil
}

func (w *Interceptor) MangleWebsocket(ctx context.Context, req *proxy.Request, _ *proxy.Response, msg *proxy.WSMessage) (*proxy.WSMessage, error) {
	conns := w.snapshot()
	if len(conns) == 0 {
		return msg, nil
	}
	id := newFlowID()

	for _, c := range conns {
		edit := c.writeMessageMayWait(ctx, newMessageWebsocket(id, msg), req, actionWebsocket)
		if edit == nil {
			continue
		}
		if edit.mType.isDrop() {
			return nil, nil
		}
		var err error
		if msg, err = edit.applyWebsocket(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
