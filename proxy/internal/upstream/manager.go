package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

const defaultDialTimeout = 30 * time.Second

// Manager decides how the proxy reaches a destination: directly, or through
// an upstream SOCKS5 or HTTP proxy.
type Manager struct {
	// upstream is the upstream proxy address (e.g., "http://proxy:8080").
	// If empty, the manager will use environment variables (HTTP_PROXY, HTTPS_PROXY).
	upstream string

	// sslInsecure skips certificate verification of an https upstream proxy.
	sslInsecure bool

	dialTimeout   time.Duration
	upstreamProxy func(*types.Request) (*url.URL, error)
}

// NewManager creates a new Manager with the given configuration.
// upstream is the upstream proxy address. If empty, environment variables will be used.
func NewManager(upstream string, sslInsecure bool) *Manager {
	return &Manager{
		upstream:    upstream,
		sslInsecure: sslInsecure,
		dialTimeout: defaultDialTimeout,
	}
}

// SetUpstreamProxy sets a custom upstream proxy function.
// This function will be called to determine the proxy URL for each request.
// A nil URL means a direct connection.
func (m *Manager) SetUpstreamProxy(fn func(*types.Request) (*url.URL, error)) {
	m.upstreamProxy = fn
}

// SetDialTimeout bounds each TCP connect. Zero disables the bound.
func (m *Manager) SetDialTimeout(d time.Duration) {
	m.dialTimeout = d
}

// GetUpstreamProxyURL returns the upstream proxy URL for a given request.
// It checks in order:
// 1. Custom upstream proxy function (if set via SetUpstreamProxy)
// 2. upstream field (if configured)
// 3. Environment variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY)
func (m *Manager) GetUpstreamProxyURL(req *types.Request) (*url.URL, error) {
	if m.upstreamProxy != nil {
		return m.upstreamProxy(req)
	}
	if len(m.upstream) > 0 {
		return url.Parse(m.upstream)
	}
	cReq := &http.Request{URL: &url.URL{Scheme: req.Scheme(), Host: Address(req)}}
	return http.ProxyFromEnvironment(cReq)
}

// Dial opens a transport to the request's destination.
func (m *Manager) Dial(ctx context.Context, req *types.Request) (net.Conn, error) {
	proxyURL, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		return nil, err
	}
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	address := Address(req)
	if proxyURL != nil {
		return helper.GetProxyConn(ctx, proxyURL, address, m.sslInsecure)
	}
	return (&net.Dialer{}).DialContext(ctx, "tcp", address)
}

// Address returns the destination as host:port.
func Address(req *types.Request) string {
	port := req.DestPort
	if port == 0 {
		port = 80
		if req.UseTLS {
			port = 443
		}
	}
	return net.JoinHostPort(req.DestHost, strconv.Itoa(port))
}
