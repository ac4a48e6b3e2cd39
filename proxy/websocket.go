package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/gateway"
)

const closeGracePeriod = time.Second

// Upstream handshake headers the client-side upgrader produces itself.
var upgradeResponseHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Accept",
	"Sec-Websocket-Extensions",
}

// handleWebsocket completes an upgrade on both sides and relays messages
// until either peer goes away. Every relayed message is offered to the
// interceptors and recorded on req.
func (s *session) handleWebsocket(ctx context.Context, req *Request, inScope bool) error {
	logger := s.logger.With("url", req.FullTarget())

	if inScope {
		mangled, err := s.proxy.gateway.OfferRequest(ctx, req)
		if err != nil {
			return err
		}
		req = mangled
	}

	s.setState(StateAwaitingResponse)
	serverWS, rsp, err := s.proxy.connector.DialWebsocket(ctx, req)
	if err != nil {
		if rsp == nil {
			return err
		}
		// The server refused the upgrade; its answer is a normal response.
		logger.Debug("upstream refused websocket upgrade", "status", rsp.StatusCode)
		rsp.Header.Set("Connection", "close")
		req.Response = rsp
		req.EndTime = time.Now()
		if inScope {
			s.proxy.save(logger, req, true)
		}
		s.setState(StateWritingBack)
		_, werr := s.rw.Write(rsp.Bytes())
		return werr
	}
	defer serverWS.Close()
	req.Response = rsp

	s.setState(StateWritingBack)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
		Error: func(_ http.ResponseWriter, _ *http.Request, status int, reason error) {
			s.writeError(status, reason.Error())
		},
	}
	shim := &hijackShim{conn: &bufferedConn{Conn: s.rw, r: s.br}, header: http.Header{}}
	clientWS, err := upgrader.Upgrade(shim, toHTTPRequest(req), upgradeHeader(rsp))
	if err != nil {
		return err
	}
	defer clientWS.Close()
	s.setState(StateForwarding)
	logger.Debug("websocket established")

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(relayCtx, func() {
		clientWS.Close()
		serverWS.Close()
	})
	defer stop()

	r := &relay{session: s, req: req, rsp: rsp, inScope: inScope, cancel: cancel}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pump(relayCtx, clientWS, serverWS, ToServer)
	}()
	go func() {
		defer wg.Done()
		r.pump(relayCtx, serverWS, clientWS, ToClient)
	}()
	wg.Wait()

	req.EndTime = time.Now()
	if inScope {
		s.proxy.save(logger, req, true)
	}
	logger.Debug("websocket closed", "messages", len(req.WSMessages))
	return nil
}

type relay struct {
	session *session
	req     *Request
	rsp     *Response
	inScope bool
	cancel  context.CancelFunc

	mu sync.Mutex
}

// pump copies messages from src to dst. When src ends the close is passed
// on to dst and the whole relay stops.
func (r *relay) pump(ctx context.Context, src, dst *websocket.Conn, dir Direction) {
	defer r.cancel()
	logger := r.session.logger.With("direction", dir)
	for {
		mt, payload, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if errors.As(err, &ce) {
				msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
			} else if ctx.Err() == nil {
				logErr(logger, err)
			}
			_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			return
		}

		msg := NewWSMessage(dir, mt == websocket.BinaryMessage, payload)
		if r.inScope {
			out, err := r.session.proxy.gateway.OfferWebsocket(ctx, r.req, r.rsp, msg)
			if errors.Is(err, gateway.ErrDropped) {
				continue
			}
			if err != nil {
				logErr(logger, err)
				return
			}
			msg = out
		}

		r.mu.Lock()
		r.req.WSMessages = append(r.req.WSMessages, msg)
		r.mu.Unlock()

		outType := websocket.TextMessage
		if msg.Binary {
			outType = websocket.BinaryMessage
		}
		if err := dst.WriteMessage(outType, msg.Payload); err != nil {
			if ctx.Err() == nil {
				logErr(logger, err)
			}
			return
		}
	}
}

// upgradeHeader returns the upstream handshake headers worth repeating to
// the client.
func upgradeHeader(rsp *Response) http.Header {
	header := http.Header{}
	for _, f := range rsp.Header.Pairs() {
		if lo.ContainsBy(upgradeResponseHeaders, func(h string) bool { return strings.EqualFold(h, f.Key) }) {
			continue
		}
		header.Add(f.Key, f.Value)
	}
	return header
}

func toHTTPRequest(req *Request) *http.Request {
	header := http.Header{}
	for _, f := range req.Header.Pairs() {
		header.Add(f.Key, f.Value)
	}
	return &http.Request{
		Method:     req.Method,
		URL:        req.URL(),
		Proto:      req.Proto,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       req.Header.Get("Host"),
	}
}

// hijackShim hands an already established client connection to the
// websocket upgrader.
type hijackShim struct {
	conn   net.Conn
	header http.Header
}

func (h *hijackShim) Header() http.Header {
	return h.header
}

func (h *hijackShim) Write(b []byte) (int, error) {
	return h.conn.Write(b)
}

func (*hijackShim) WriteHeader(int) {}

func (h *hijackShim) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}
