// Package interceptors provides ready-made proxy.Interceptor implementations.
package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// ErrUnknownPending is returned by Resolve for an ID that is not waiting.
var ErrUnknownPending = errors.New("no pending message with this id")

// Action is the decision taken for a pending message.
type Action int

const (
	// Pass forwards the message as it was offered.
	Pass Action = iota
	// Replace forwards the message carried by the verdict.
	Replace
	// Drop drops the exchange.
	Drop
)

func (a Action) String() string {
	switch a {
	case Replace:
		return "replace"
	case Drop:
		return "drop"
	default:
		return "pass"
	}
}

// Verdict resolves a pending message. With Replace, the field matching the
// pending kind carries the replacement; a nil replacement passes the offered
// message through.
type Verdict struct {
	Action   Action
	Request  *proxy.Request
	Response *proxy.Response
	Message  *proxy.WSMessage
}

// Pending is a message waiting for a decision. Its messages are copies that
// the consumer may edit and hand back with Replace.
type Pending struct {
	ID       string
	Kind     proxy.Kind
	Request  *proxy.Request
	Response *proxy.Response
	Message  *proxy.WSMessage
	Queued   time.Time

	verdict chan Verdict
}

// Session queues offered messages until someone resolves them. It is the
// building block of interactive interceptors.
type Session struct {
	interests proxy.Interests
	logger    *slog.Logger

	queue chan *Pending
	done  chan struct{}

	mu      sync.Mutex
	pending map[string]*Pending
	order   []string
	closed  bool
}

var _ proxy.Interceptor = (*Session)(nil)

// NewSession creates a session holding messages of the given kinds. Up to
// backlog items wait in Queue before offers block on delivery.
func NewSession(interests proxy.Interests, backlog int) *Session {
	return &Session{
		interests: interests,
		logger:    slog.Default().With("in", "interceptors.Session"),
		queue:     make(chan *Pending, backlog),
		done:      make(chan struct{}),
		pending:   make(map[string]*Pending),
	}
}

func (s *Session) Interests() proxy.Interests {
	return s.interests
}

// Queue delivers pending messages in the order they were offered.
func (s *Session) Queue() <-chan *Pending {
	return s.queue
}

// Pending lists the messages waiting for a verdict, oldest first.
func (s *Session) Pending() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.FilterMap(s.order, func(id string, _ int) (*Pending, bool) {
		p, ok := s.pending[id]
		return p, ok
	})
}

// Resolve hands a verdict to the pending message with id.
func (s *Session) Resolve(id string, v Verdict) error {
	p, ok := s.take(id)
	if !ok {
		return ErrUnknownPending
	}
	p.verdict <- v
	return nil
}

// Close passes every pending message through. Later offers pass through
// without waiting.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.pending = make(map[string]*Pending)
	s.order = nil
}

func (s *Session) MangleRequest(ctx context.Context, req *proxy.Request) (*proxy.Request, error) {
	v := s.wait(ctx, &Pending{Kind: proxy.KindRequest, Request: req.Clone()})
	switch {
	case v.Action == Drop:
		return nil, nil
	case v.Action == Replace && v.Request != nil:
		return v.Request, nil
	}
	return req, nil
}

func (s *Session) MangleResponse(ctx context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	v := s.wait(ctx, &Pending{Kind: proxy.KindResponse, Request: req, Response: rsp.Clone()})
	switch {
	case v.Action == Drop:
		return nil, nil
	case v.Action == Replace && v.Response != nil:
		return v.Response, nil
	}
	return rsp, nil
}

func (s *Session) MangleWebsocket(ctx context.Context, req *proxy.Request, rsp *proxy.Response, msg *proxy.WSMessage) (*proxy.WSMessage, error) {
	v := s.wait(ctx, &Pending{Kind: proxy.KindWebsocket, Request: req, Response: rsp, Message: msg.Clone()})
	switch {
	case v.Action == Drop:
		return nil, nil
	case v.Action == Replace && v.Message != nil:
		return v.Message, nil
	}
	return msg, nil
}

// wait queues p and blocks until it is resolved. Cancellation of ctx and
// Close both pass the message through.
func (s *Session) wait(ctx context.Context, p *Pending) Verdict {
	p.ID = uuid.NewV4().String()
	p.Queued = time.Now()
	p.verdict = make(chan Verdict, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Verdict{Action: Pass}
	}
	s.pending[p.ID] = p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	logger := s.logger.With("id", p.ID, "kind", p.Kind)
	logger.Debug("message pending")

	select {
	case s.queue <- p:
	case <-ctx.Done():
		s.take(p.ID)
		logger.Debug("pending message released by cancellation")
		return Verdict{Action: Pass}
	case <-s.done:
		return Verdict{Action: Pass}
	}

	select {
	case v := <-p.verdict:
		logger.Debug("message resolved", "action", v.Action)
		return v
	case <-ctx.Done():
		s.take(p.ID)
		logger.Debug("pending message released by cancellation")
		return Verdict{Action: Pass}
	case <-s.done:
		return Verdict{Action: Pass}
	}
}

func (s *Session) take(id string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil, false
	}
	delete(s.pending, id)
	s.order = lo.Without(s.order, id)
	return p, true
}
