package web

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

const (
	actionRequest   = 1
	actionResponse  = 2
	actionWebsocket = 4
)

type breakPointRule struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Action int    `json:"action"` // 1 - change request 2 - change response 4 - websocket messages
}

// concurrentConn is one websocket client of the web interceptor.
type concurrentConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *slog.Logger

	sendConnMessageMap map[string]bool

	waitChans   map[string]chan *messageEdit
	waitChansMu sync.Mutex

	rulesMu         sync.RWMutex
	breakPointRules []*breakPointRule

	closed chan struct{}
}

func newConn(c *websocket.Conn) *concurrentConn {
	return &concurrentConn{
		conn:               c,
		logger:             slog.Default().With("in", "web.concurrentConn", "remote", c.RemoteAddr().String()),
		sendConnMessageMap: make(map[string]bool),
		waitChans:          make(map[string]chan *messageEdit),
		closed:             make(chan struct{}),
	}
}

// trySendConnMessage announces a client connection the first time one of its
// messages is sent. It reports whether the announcement was made.
func (c *concurrentConn) trySendConnMessage(connCtx *proxy.ConnContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := connCtx.ID().String()
	if send := c.sendConnMessageMap[key]; send {
		return false
	}
	c.sendConnMessageMap[key] = true
	msg, err := newMessageConn(connCtx)
	if err != nil {
		c.logger.Error("web interceptor gen msg failed", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes()); err != nil {
		c.logger.Error("write websocket message failed", "error", err)
	}
	return true
}

func (c *concurrentConn) whenConnClose(connCtx *proxy.ConnContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sendConnMessageMap, connCtx.ID().String())

	msg := newMessageConnClose(connCtx)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes()); err != nil {
		c.logger.Debug("write websocket message failed", "error", err)
	}
}

// writeMessageMayWait sends msg and, when a breakpoint rule matches, blocks
// until the client answers with an edit. A nil edit means pass-through.
func (c *concurrentConn) writeMessageMayWait(ctx context.Context, msg *messageFlow, req *proxy.Request, action int) *messageEdit {
	var ch chan *messageEdit
	if c.isIntercept(req, action) {
		msg.waitIntercept = 1
		ch = c.initWaitChan(msg.id.String())
		defer c.removeWaitChan(msg.id.String())
	}

	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes())
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("write websocket message failed", "error", err)
		return nil
	}

	if ch == nil {
		return nil
	}
	return c.waitIntercept(ctx, ch)
}

func (c *concurrentConn) writeMessage(msg *messageFlow) {
	msg.waitIntercept = 0
	c.write(msg)
}

func (c *concurrentConn) write(msg message) {
	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes())
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("write websocket message failed", "error", err)
	}
}

func (c *concurrentConn) readloop() {
	defer close(c.closed)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read websocket message failed", "error", err)
			}
			return
		}

		if mt != websocket.BinaryMessage {
			c.logger.Warn("not BinaryMessage, skip")
			continue
		}

		msg := parseMessage(data)
		if msg == nil {
			c.logger.Warn("parseMessage error, skip")
			continue
		}

		switch m := msg.(type) {
		case *messageEdit:
			c.deliver(m)
		case *messageMeta:
			c.rulesMu.Lock()
			c.breakPointRules = m.breakPointRules
			c.rulesMu.Unlock()
			// Echo the rules back once they are in effect.
			c.write(m)
		default:
			c.logger.Warn("invalid message, skip")
		}
	}
}

func (c *concurrentConn) deliver(m *messageEdit) {
	c.waitChansMu.Lock()
	ch, ok := c.waitChans[m.id.String()]
	if ok {
		delete(c.waitChans, m.id.String())
	}
	c.waitChansMu.Unlock()
	if !ok {
		c.logger.Warn("edit for a message that is not waiting", "id", m.id)
		return
	}
	ch <- m
}

func (c *concurrentConn) initWaitChan(key string) chan *messageEdit {
	c.waitChansMu.Lock()
	defer c.waitChansMu.Unlock()

	ch := make(chan *messageEdit, 1)
	c.waitChans[key] = ch
	return ch
}

func (c *concurrentConn) removeWaitChan(key string) {
	c.waitChansMu.Lock()
	defer c.waitChansMu.Unlock()
	delete(c.waitChans, key)
}

// isIntercept checks the breakpoint rules for req.
func (c *concurrentConn) isIntercept(req *proxy.Request, action int) bool {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()

	if len(c.breakPointRules) == 0 {
		return false
	}

	url := req.FullTarget()
	for _, rule := range c.breakPointRules {
		if rule.URL == "" {
			continue
		}
		if action&rule.Action == 0 {
			continue
		}
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if strings.Contains(url, rule.URL) {
			return true
		}
	}

	return false
}

// waitIntercept blocks for the client's answer. Cancellation and a closed
// client both end the wait without an edit.
func (c *concurrentConn) waitIntercept(ctx context.Context, ch <-chan *messageEdit) *messageEdit {
	select {
	case m := <-ch:
		return m
	case <-ctx.Done():
		return nil
	case <-c.closed:
		return nil
	}
}

func newFlowID() uuid.UUID {
	return uuid.NewV4()
}
