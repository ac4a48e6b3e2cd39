package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/gateway"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

type stubInterceptor struct {
	types.BaseInterceptor
	interests types.Interests
	onRequest func(ctx context.Context, req *types.Request) (*types.Request, error)
	onResp    func(ctx context.Context, req *types.Request, rsp *types.Response) (*types.Response, error)
	onWS      func(ctx context.Context, msg *types.WSMessage) (*types.WSMessage, error)

	mu    sync.Mutex
	calls int
}

func (s *stubInterceptor) Interests() types.Interests { return s.interests }

func (s *stubInterceptor) MangleRequest(ctx context.Context, req *types.Request) (*types.Request, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onRequest == nil {
		return req, nil
	}
	return s.onRequest(ctx, req)
}

func (s *stubInterceptor) MangleResponse(ctx context.Context, req *types.Request, rsp *types.Response) (*types.Response, error) {
	if s.onResp == nil {
		return rsp, nil
	}
	return s.onResp(ctx, req, rsp)
}

func (s *stubInterceptor) MangleWebsocket(ctx context.Context, _ *types.Request, _ *types.Response, msg *types.WSMessage) (*types.WSMessage, error) {
	if s.onWS == nil {
		return msg, nil
	}
	return s.onWS(ctx, msg)
}

func (s *stubInterceptor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func getRequest(target string) *types.Request {
	req := types.NewRequest()
	req.Method = "GET"
	req.Target = target
	req.DestHost = "x.test"
	req.DestPort = 443
	req.UseTLS = true
	req.Header.Add("Host", "x.test")
	return req
}

func retarget(target string) func(context.Context, *types.Request) (*types.Request, error) {
	return func(_ context.Context, req *types.Request) (*types.Request, error) {
		req.Target = target
		return req, nil
	}
}

func TestOfferRequestWithoutInterceptorsPassesThrough(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	req := getRequest("/x")

	out, err := g.OfferRequest(context.Background(), req)

	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, req)
	c.Assert(out.Unmangled, qt.IsNil)
}

func TestOfferRequestSkipsUninterestedInterceptors(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	rspOnly := &stubInterceptor{interests: types.Interests{Responses: true}, onRequest: retarget("/never")}
	g.Register("rsp", rspOnly)

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/x")
	c.Assert(rspOnly.callCount(), qt.Equals, 0)
	c.Assert(g.Wants(types.KindRequest), qt.IsFalse)
	c.Assert(g.Wants(types.KindResponse), qt.IsTrue)
}

func TestOfferRequestChainOrderAndUnmangledAnchor(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	var seenByB string
	a := &stubInterceptor{interests: types.Interests{Requests: true}, onRequest: retarget("/y")}
	b := &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(_ context.Context, req *types.Request) (*types.Request, error) {
			seenByB = req.Target
			req.Target = "/z"
			return req, nil
		},
	}
	g.Register("a", a)
	g.Register("b", b)

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(err, qt.IsNil)
	c.Assert(seenByB, qt.Equals, "/y")
	c.Assert(out.Target, qt.Equals, "/z")
	c.Assert(out.Unmangled, qt.IsNotNil)
	c.Assert(out.Unmangled.Target, qt.Equals, "/x")
	c.Assert(out.Unmangled.Unmangled, qt.IsNil)
}

func TestOfferRequestUnchangedLeavesNoAnchor(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	g.Register("noop", &stubInterceptor{interests: types.Interests{Requests: true}})

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/x")
	c.Assert(out.Unmangled, qt.IsNil)
}

func TestOfferRequestInterceptorGetsOwnedCopy(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	g.Register("a", &stubInterceptor{interests: types.Interests{Requests: true}, onRequest: retarget("/y")})
	req := getRequest("/x")

	_, err := g.OfferRequest(context.Background(), req)

	c.Assert(err, qt.IsNil)
	c.Assert(req.Target, qt.Equals, "/x")
}

func TestOfferRequestDropShortCircuits(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	a := &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(context.Context, *types.Request) (*types.Request, error) { return nil, nil },
	}
	b := &stubInterceptor{interests: types.Interests{Requests: true}}
	g.Register("a", a)
	g.Register("b", b)

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(errors.Is(err, gateway.ErrDropped), qt.IsTrue)
	c.Assert(out, qt.IsNil)
	c.Assert(a.callCount(), qt.Equals, 1)
	c.Assert(b.callCount(), qt.Equals, 0)
}

func TestOfferRequestInterceptorErrorPassesThrough(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	g.Register("broken", &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(context.Context, *types.Request) (*types.Request, error) {
			return nil, errors.New("boom")
		},
	})
	g.Register("next", &stubInterceptor{interests: types.Interests{Requests: true}, onRequest: retarget("/y")})

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/y")
	c.Assert(out.Unmangled.Target, qt.Equals, "/x")
}

func TestOfferRequestInterceptorPanicPassesThrough(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	g.Register("panics", &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(context.Context, *types.Request) (*types.Request, error) {
			panic("bad interceptor")
		},
	})

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))

	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/x")
}

func TestOfferRequestCancellationPassesThrough(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	c.Cleanup(func() { close(release) })
	g.Register("blocking", &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(context.Context, *types.Request) (*types.Request, error) {
			close(entered)
			// Ignores ctx on purpose; the gateway must not wait for it.
			<-release
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		req *types.Request
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := g.OfferRequest(ctx, getRequest("/x"))
		done <- outcome{out, err}
	}()

	<-entered
	cancel()

	select {
	case o := <-done:
		c.Assert(o.err, qt.IsNil)
		c.Assert(o.req.Target, qt.Equals, "/x")
	case <-time.After(5 * time.Second):
		c.Fatal("offer did not resolve after cancellation")
	}
}

func TestOfferRequestDoesNotBlockOtherConnections(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	release := make(chan struct{})
	g.Register("slow", &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(ctx context.Context, req *types.Request) (*types.Request, error) {
			if req.Target == "/slow" {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return req, nil
		},
	})

	slowDone := make(chan struct{})
	go func() {
		_, _ = g.OfferRequest(context.Background(), getRequest("/slow"))
		close(slowDone)
	}()

	out, err := g.OfferRequest(context.Background(), getRequest("/fast"))
	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/fast")

	close(release)
	<-slowDone
}

func TestOfferUsesSnapshot(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	late := &stubInterceptor{interests: types.Interests{Requests: true}, onRequest: retarget("/late")}
	g.Register("registers-late", &stubInterceptor{
		interests: types.Interests{Requests: true},
		onRequest: func(_ context.Context, req *types.Request) (*types.Request, error) {
			g.Register("late", late)
			return req, nil
		},
	})

	out, err := g.OfferRequest(context.Background(), getRequest("/x"))
	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/x")
	c.Assert(late.callCount(), qt.Equals, 0)

	out, err = g.OfferRequest(context.Background(), getRequest("/x"))
	c.Assert(err, qt.IsNil)
	c.Assert(out.Target, qt.Equals, "/late")
}

func TestOfferResponse(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	var seenTarget string
	g.Register("rsp", &stubInterceptor{
		interests: types.Interests{Responses: true},
		onResp: func(_ context.Context, req *types.Request, rsp *types.Response) (*types.Response, error) {
			seenTarget = req.Target
			rsp.SetBody([]byte("changed"))
			return rsp, nil
		},
	})

	rsp := types.NewResponse()
	rsp.StatusCode = 200
	rsp.Reason = "OK"
	rsp.SetBody([]byte("original"))

	out, err := g.OfferResponse(context.Background(), getRequest("/x"), rsp)

	c.Assert(err, qt.IsNil)
	c.Assert(seenTarget, qt.Equals, "/x")
	c.Assert(string(out.Body()), qt.Equals, "changed")
	c.Assert(out.Header.Get("Content-Length"), qt.Equals, "7")
	c.Assert(string(out.Unmangled.Body()), qt.Equals, "original")
}

func TestOfferWebsocketDrop(t *testing.T) {
	c := qt.New(t)

	g := gateway.New()
	g.Register("ws", &stubInterceptor{
		interests: types.Interests{Websocket: true},
		onWS: func(_ context.Context, msg *types.WSMessage) (*types.WSMessage, error) {
			if string(msg.Payload) == "secret" {
				return nil, nil
			}
			msg.Payload = append(msg.Payload, '!')
			return msg, nil
		},
	})

	_, err := g.OfferWebsocket(context.Background(), getRequest("/ws"), types.NewResponse(),
		types.NewWSMessage(types.ToServer, false, []byte("secret")))
	c.Assert(errors.Is(err, gateway.ErrDropped), qt.IsTrue)

	out, err := g.OfferWebsocket(context.Background(), getRequest("/ws"), types.NewResponse(),
		types.NewWSMessage(types.ToClient, false, []byte("hi")))
	c.Assert(err, qt.IsNil)
	c.Assert(string(out.Payload), qt.Equals, "hi!")
	c.Assert(string(out.Unmangled.Payload), qt.Equals, "hi")
}
