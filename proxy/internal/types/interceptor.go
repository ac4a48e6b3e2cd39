package types

import (
	"context"
	"errors"
)

var ErrMalformedStartLine = errors.New("malformed start line")

// Kind is the category of an offered message.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindWebsocket
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindWebsocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Interests declares which kinds of messages an interceptor wants to see.
type Interests struct {
	Requests  bool
	Responses bool
	Websocket bool
}

// Wants reports whether kind is among the declared interests.
func (i Interests) Wants(kind Kind) bool {
	switch kind {
	case KindRequest:
		return i.Requests
	case KindResponse:
		return i.Responses
	case KindWebsocket:
		return i.Websocket
	}
	return false
}

// Interceptor mangles in-flight messages. Every hook receives a copy it owns
// and returns the message to forward, or nil to drop the exchange. A hook may
// block until an external decision is made; it must return once ctx is done.
type Interceptor interface {
	Interests() Interests
	MangleRequest(ctx context.Context, req *Request) (*Request, error)
	MangleResponse(ctx context.Context, req *Request, rsp *Response) (*Response, error)
	MangleWebsocket(ctx context.Context, req *Request, rsp *Response, msg *WSMessage) (*WSMessage, error)
}

// BaseInterceptor passes everything through and wants nothing.
type BaseInterceptor struct{}

func (*BaseInterceptor) Interests() Interests { return Interests{} }

func (*BaseInterceptor) MangleRequest(_ context.Context, req *Request) (*Request, error) {
	return req, nil
}

func (*BaseInterceptor) MangleResponse(_ context.Context, _ *Request, rsp *Response) (*Response, error) {
	return rsp, nil
}

func (*BaseInterceptor) MangleWebsocket(_ context.Context, _ *Request, _ *Response, msg *WSMessage) (*WSMessage, error) {
	return msg, nil
}
