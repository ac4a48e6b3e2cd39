// Package proxy implements the intercepting HTTP/HTTPS proxy.
//
// # Overview
//
// A Proxy accepts browser connections on one or more listeners and serves
// each of them from its own goroutine. Every request read from a client is
// framed by the incremental parser, offered to the registered interceptors,
// forwarded upstream by a Connector, and the response is offered again
// before it is written back.
//
// # Request Flow
//
// Plain HTTP proxy request:
//
//	Client → listener → connection → gateway → Connector → Upstream
//
// CONNECT request:
//
//	Client → listener → connection → "200 Connection established"
//	       → TLS handshake with a leaf for the CONNECT host → connection loop
//
// After a CONNECT the destination is carried forward to every request on the
// socket that arrives without an absolute URL.
//
// # Interception
//
// Interceptors are registered by name and run in registration order. When
// no interceptor wants a kind of message, offering it costs nothing beyond a
// snapshot of the registry. A dropped request is never sent upstream and a
// dropped exchange closes the client connection without writing anything.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"github.com/denisvmedia/go-interceptproxy/cert"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/gateway"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/proxycontext"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/upstream"
	"github.com/denisvmedia/go-interceptproxy/version"
)

// ErrNoStorage is returned by Replay when no Storage is configured.
var ErrNoStorage = errors.New("no storage configured")

type Proxy struct {
	Version string

	config          Config
	ca              cert.CA
	gateway         *gateway.Gateway
	upstreamManager *upstream.Manager
	connector       Connector
	storage         Storage
	instanceLogger  *InstanceLogger
	logger          *slog.Logger

	inScope     func(req *Request) bool
	passthrough func(host string, port int) bool

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*session]struct{}
	wg        sync.WaitGroup
	closing   atomic.Bool
	active    atomic.Int64
}

// NewProxy creates a proxy that issues leaf certificates from ca.
func NewProxy(cfg Config, ca cert.CA) (*Proxy, error) {
	if ca == nil {
		return nil, errors.New("proxy: a certificate authority is required")
	}
	if len(cfg.Listeners) == 0 {
		return nil, errors.New("proxy: no listeners configured")
	}

	addrs := lo.Map(cfg.Listeners, func(l ListenerConfig, _ int) string { return l.Addr() })
	il := NewInstanceLoggerWithFile(cfg.LogFilePath, cfg.Name, addrs...)

	manager := upstream.NewManager(cfg.Upstream, !cfg.VerifyUpstream)
	if cfg.DialTimeout > 0 {
		manager.SetDialTimeout(cfg.DialTimeout)
	}

	p := &Proxy{
		Version:         version.Version,
		config:          cfg,
		ca:              ca,
		gateway:         gateway.New(),
		upstreamManager: manager,
		instanceLogger:  il,
		logger:          il.WithFields("in", "Proxy"),
		sessions:        make(map[*session]struct{}),
	}
	p.connector = upstream.NewConnector(manager, upstream.Options{
		VerifyUpstream: cfg.VerifyUpstream,
		MaxBodySize:    cfg.MaxBodySize,
		ReadTimeout:    cfg.ReadTimeout,
	}, p)
	return p, nil
}

// Register adds an interceptor under name. Registering the same name again
// replaces the interceptor in place.
func (p *Proxy) Register(name string, i Interceptor) {
	p.gateway.Register(name, i)
}

// Unregister removes the named interceptor.
func (p *Proxy) Unregister(name string) bool {
	return p.gateway.Unregister(name)
}

// Interceptors lists the registered interceptor names in order.
func (p *Proxy) Interceptors() []string {
	return p.gateway.Names()
}

// SetScope sets the predicate deciding which requests are intercepted and
// stored. Out-of-scope requests are forwarded unmodified. A nil predicate
// puts every request in scope.
func (p *Proxy) SetScope(fn func(req *Request) bool) {
	p.inScope = fn
}

// SetPassthrough sets the rule for CONNECT targets that are tunnelled
// without TLS interception.
func (p *Proxy) SetPassthrough(fn func(host string, port int) bool) {
	p.passthrough = fn
}

// SetStorage sets the collaborator that persists in-scope exchanges.
func (p *Proxy) SetStorage(s Storage) {
	p.storage = s
}

// Connector returns the upstream connector in use. Wrappers passed to
// SetConnector can delegate to it.
func (p *Proxy) Connector() Connector {
	return p.connector
}

// SetConnector replaces the upstream connector.
func (p *Proxy) SetConnector(c Connector) {
	p.connector = c
}

// SetUpstreamProxy sets a function choosing the upstream proxy per request.
// A nil URL means a direct connection.
func (p *Proxy) SetUpstreamProxy(fn func(req *Request) (*url.URL, error)) {
	p.upstreamManager.SetUpstreamProxy(fn)
}

func (p *Proxy) GetCertificate() x509.Certificate {
	return *p.ca.GetRootCA()
}

func (p *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return p.ca.GetCert(commonName)
}

// InstanceLogger returns the logger carrying this proxy's identity.
func (p *Proxy) InstanceLogger() *InstanceLogger {
	return p.instanceLogger
}

// ActiveConnections returns the number of open client connections.
func (p *Proxy) ActiveConnections() int64 {
	return p.active.Load()
}

// Replay loads a stored request, sends it upstream again and stores the new
// exchange. Replays skip the interceptors.
func (p *Proxy) Replay(ctx context.Context, id string) (*Request, error) {
	if p.storage == nil {
		return nil, ErrNoStorage
	}
	stored, err := p.storage.LoadByID(id)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}

	req := stored.Clone()
	req.ID = ""
	req.FlowID = uuid.NewV4()
	req.Response = nil
	req.Unmangled = nil
	req.WSMessages = nil
	req.StartTime = time.Now()
	req.EndTime = time.Time{}
	req.AddTag("replay")

	return p.roundTrip(proxycontext.WithReplay(ctx), req, p.scoped(req), nil)
}

func (p *Proxy) scoped(req *Request) bool {
	return p.inScope == nil || p.inScope(req)
}

// roundTrip runs one exchange: request interception, upstream exchange,
// response interception and storage. track follows the connection state.
func (p *Proxy) roundTrip(ctx context.Context, req *Request, inScope bool, track func(State)) (*Request, error) {
	if track == nil {
		track = func(State) {}
	}
	intercept := inScope && !proxycontext.IsReplay(ctx)
	logger := p.logger.With("method", req.Method, "url", req.FullTarget())

	if intercept {
		mangled, err := p.gateway.OfferRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		req = mangled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if inScope {
		p.save(logger, req, false)
	}

	track(StateForwarding)
	track(StateAwaitingResponse)
	rsp, err := p.connector.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	track(StateResponseComplete)

	if intercept {
		rsp, err = p.gateway.OfferResponse(ctx, req, rsp)
		if err != nil {
			return nil, err
		}
	}
	req.Response = rsp
	req.EndTime = time.Now()
	if inScope {
		p.save(logger, req, true)
	}
	logger.Debug("exchange complete", "status", rsp.StatusCode, "duration", req.EndTime.Sub(req.StartTime))
	return req, nil
}

func (p *Proxy) save(logger *slog.Logger, req *Request, deep bool) {
	if p.storage == nil {
		return
	}
	var err error
	if deep {
		err = p.storage.DeepSave(req)
	} else {
		err = p.storage.Save(req)
	}
	if err != nil {
		logger.Warn("storing request failed", "error", err)
	}
}

// ClientDisconnected implements the connection observer.
func (p *Proxy) ClientDisconnected(client *ClientConn) {
	p.active.Dec()
	p.logger.Debug("client disconnected", "client", client.ID)
}

// ServerDisconnected implements the connection observer.
func (p *Proxy) ServerDisconnected(connCtx *ConnContext, server *ServerConn) {
	p.logger.Debug("server disconnected",
		"client", connCtx.ID(),
		"server", server.Address,
		"flow_count", connCtx.FlowCount.Load(),
	)
}
