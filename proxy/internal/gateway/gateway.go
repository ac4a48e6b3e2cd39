// Package gateway hands in-flight messages to the registered interceptors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

// ErrDropped is returned when an interceptor dropped the message. It is a
// deliberate outcome for the exchange rather than a failure.
var ErrDropped = errors.New("dropped by interceptor")

// Gateway runs messages through the registered interceptors in registration
// order. A Gateway is safe for concurrent use; each offer works on a
// snapshot of the interceptors taken when it starts.
type Gateway struct {
	reg    registry
	logger *slog.Logger
}

// New creates a Gateway with no interceptors.
func New() *Gateway {
	return &Gateway{
		logger: slog.Default().With("in", "gateway.Gateway"),
	}
}

// Register adds an interceptor under name. Registering a name again replaces
// the previous interceptor without changing its position.
func (g *Gateway) Register(name string, i types.Interceptor) {
	g.reg.add(name, i)
	g.logger.Debug("interceptor registered", "name", name, "interests", i.Interests())
}

// Unregister removes the named interceptor and reports whether it existed.
func (g *Gateway) Unregister(name string) bool {
	return g.reg.remove(name)
}

// Names lists the registered interceptors in order.
func (g *Gateway) Names() []string {
	return lo.Map(g.reg.snapshot(), func(e entry, _ int) string { return e.name })
}

// Wants reports whether any registered interceptor wants kind.
func (g *Gateway) Wants(kind types.Kind) bool {
	return len(interested(g.reg.snapshot(), kind)) > 0
}

// OfferRequest runs req through the interceptors that want requests.
func (g *Gateway) OfferRequest(ctx context.Context, req *types.Request) (*types.Request, error) {
	return offer(ctx, g, types.KindRequest, req,
		func(r *types.Request, orig *types.Request) { r.Unmangled = orig },
		func(ctx context.Context, i types.Interceptor, in *types.Request) (*types.Request, error) {
			return i.MangleRequest(ctx, in)
		})
}

// OfferResponse runs rsp, the response to req, through the interceptors that
// want responses.
func (g *Gateway) OfferResponse(ctx context.Context, req *types.Request, rsp *types.Response) (*types.Response, error) {
	return offer(ctx, g, types.KindResponse, rsp,
		func(r *types.Response, orig *types.Response) { r.Unmangled = orig },
		func(ctx context.Context, i types.Interceptor, in *types.Response) (*types.Response, error) {
			return i.MangleResponse(ctx, req.Clone(), in)
		})
}

// OfferWebsocket runs msg through the interceptors that want websocket
// messages.
func (g *Gateway) OfferWebsocket(ctx context.Context, req *types.Request, rsp *types.Response, msg *types.WSMessage) (*types.WSMessage, error) {
	return offer(ctx, g, types.KindWebsocket, msg,
		func(m *types.WSMessage, orig *types.WSMessage) { m.Unmangled = orig },
		func(ctx context.Context, i types.Interceptor, in *types.WSMessage) (*types.WSMessage, error) {
			return i.MangleWebsocket(ctx, req.Clone(), rsp.Clone(), in)
		})
}

type message[T any] interface {
	comparable
	Clone() T
	Eq(T) bool
}

type result[T any] struct {
	msg T
	err error
}

func offer[T message[T]](
	ctx context.Context,
	g *Gateway,
	kind types.Kind,
	msg T,
	anchor func(msg, orig T),
	mangle func(context.Context, types.Interceptor, T) (T, error),
) (T, error) {
	chain := interested(g.reg.snapshot(), kind)
	if len(chain) == 0 {
		return msg, nil
	}

	var zero, original T
	cur := msg
	for _, e := range chain {
		logger := g.logger.With("interceptor", e.name, "kind", kind)
		if ctx.Err() != nil {
			logger.Debug("connection cancelled, passing through")
			return cur, nil
		}

		ch := make(chan result[T], 1)
		go func(in T) {
			defer func() {
				if r := recover(); r != nil {
					ch <- result[T]{err: fmt.Errorf("interceptor panic: %v", r)}
				}
			}()
			out, err := mangle(ctx, e.interceptor, in)
			ch <- result[T]{msg: out, err: err}
		}(cur.Clone())

		var res result[T]
		select {
		case res = <-ch:
		case <-ctx.Done():
			logger.Debug("connection cancelled, passing through")
			return cur, nil
		}

		if res.err != nil {
			if ctx.Err() != nil {
				return cur, nil
			}
			logger.Warn("interceptor failed, passing through", "error", res.err)
			continue
		}
		if res.msg == zero {
			logger.Debug("message dropped")
			return zero, ErrDropped
		}

		switch {
		case original == zero && !res.msg.Eq(cur):
			original = msg.Clone()
			anchor(res.msg, original)
		case original != zero:
			// Later interceptors may return a message built from scratch.
			anchor(res.msg, original.Clone())
		}
		cur = res.msg
	}
	return cur, nil
}

func interested(entries []entry, kind types.Kind) []entry {
	return lo.Filter(entries, func(e entry, _ int) bool {
		return e.interceptor.Interests().Wants(kind)
	})
}
