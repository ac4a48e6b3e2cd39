package interceptors

import (
	"context"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// Func builds an interceptor from plain functions. Only the kinds with a
// function set are offered to it.
type Func struct {
	OnRequest   func(ctx context.Context, req *proxy.Request) (*proxy.Request, error)
	OnResponse  func(ctx context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error)
	OnWebsocket func(ctx context.Context, req *proxy.Request, rsp *proxy.Response, msg *proxy.WSMessage) (*proxy.WSMessage, error)
}

var _ proxy.Interceptor = (*Func)(nil)

func (f *Func) Interests() proxy.Interests {
	return proxy.Interests{
		Requests:  f.OnRequest != nil,
		Responses: f.OnResponse != nil,
		Websocket: f.OnWebsocket != nil,
	}
}

func (f *Func) MangleRequest(ctx context.Context, req *proxy.Request) (*proxy.Request, error) {
	if f.OnRequest == nil {
		return req, nil
	}
	return f.OnRequest(ctx, req)
}

func (f *Func) MangleResponse(ctx context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	if f.OnResponse == nil {
		return rsp, nil
	}
	return f.OnResponse(ctx, req, rsp)
}

func (f *Func) MangleWebsocket(ctx context.Context, req *proxy.Request, rsp *proxy.Response, msg *proxy.WSMessage) (*proxy.WSMessage, error) {
	if f.OnWebsocket == nil {
		return msg, nil
	}
	return f.OnWebsocket(ctx, req, rsp, msg)
}

// SetHeader returns a request macro that sets a header on every request.
func SetHeader(key, value string) *Func {
	return &Func{OnRequest: func(_ context.Context, req *proxy.Request) (*proxy.Request, error) {
		req.Header.Set(key, value)
		return req, nil
	}}
}
