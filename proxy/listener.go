package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/conn"
)

// ErrProxyClosed is returned by Serve and Start after Close or Shutdown.
var ErrProxyClosed = errors.New("proxy: closed")

const shutdownPollInterval = 50 * time.Millisecond

// Listen opens one socket per configured listener. Nothing is accepted until
// Serve is called.
func (p *Proxy) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.listeners) > 0 {
		return errors.New("proxy: already listening")
	}
	for _, lc := range p.config.Listeners {
		ln, err := net.Listen("tcp", lc.Addr())
		if err != nil {
			for _, opened := range p.listeners {
				opened.Close()
			}
			p.listeners = nil
			return err
		}
		p.logger.Info("proxy listening", "addr", ln.Addr().String())
		p.listeners = append(p.listeners, ln)
	}
	return nil
}

// Serve accepts connections on every opened listener. It blocks until the
// proxy is closed, then returns ErrProxyClosed, or until a listener fails.
func (p *Proxy) Serve() error {
	p.mu.Lock()
	listeners := append([]net.Listener(nil), p.listeners...)
	p.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("proxy: not listening")
	}

	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- p.serve(ln)
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, ErrProxyClosed) {
			return err
		}
	}
	return ErrProxyClosed
}

// Start opens the listeners and serves them.
func (p *Proxy) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve()
}

// Addrs returns the addresses the proxy listens on.
func (p *Proxy) Addrs() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := make([]net.Addr, 0, len(p.listeners))
	for _, ln := range p.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Close immediately stops the listeners and closes every client connection.
// Use Shutdown to let exchanges in progress finish.
func (p *Proxy) Close() error {
	err := p.closeListeners()
	for _, s := range p.liveSessions() {
		s.close()
	}
	p.wg.Wait()
	return errors.Join(err, p.instanceLogger.Close())
}

// Shutdown stops the listeners, closes idle connections and waits for the
// others to become idle. When ctx ends first the remaining connections are
// closed and ctx's error is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	err := p.closeListeners()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		remaining := 0
		for _, s := range p.liveSessions() {
			if s.State().idle() {
				s.close()
				continue
			}
			remaining++
		}
		if remaining == 0 {
			p.wg.Wait()
			return errors.Join(err, p.instanceLogger.Close())
		}
		select {
		case <-ctx.Done():
			for _, s := range p.liveSessions() {
				s.close()
			}
			p.wg.Wait()
			_ = p.instanceLogger.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Proxy) closeListeners() error {
	p.closing.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, ln := range p.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Proxy) serve(ln net.Listener) error {
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if p.closing.Load() {
				return ErrProxyClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				p.logger.Warn("accept error, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		p.accept(c)
	}
}

// accept decorates a new client connection with its connection context and
// serves it in its own goroutine.
func (p *Proxy) accept(c net.Conn) {
	wc := conn.NewWrapClientConn(c, p)
	p.active.Inc()
	clientConn := conn.NewClientConn(wc)
	connCtx := conn.NewContext(context.Background(), clientConn)
	wc.ConnCtx = connCtx

	s := newSession(p, wc)
	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		wc.Close()
		return
	}
	p.sessions[s] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Debug("client connected", "client", clientConn.ID, "addr", c.RemoteAddr().String())
	go func() {
		defer p.wg.Done()
		defer p.forget(s)
		s.serve()
	}()
}

func (p *Proxy) forget(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s)
}

func (p *Proxy) liveSessions() []*session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.Keys(p.sessions)
}
