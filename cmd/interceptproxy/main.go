package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/denisvmedia/go-interceptproxy/cert"
	"github.com/denisvmedia/go-interceptproxy/internal/helper"
	"github.com/denisvmedia/go-interceptproxy/proxy"
	"github.com/denisvmedia/go-interceptproxy/proxy/interceptors"
	"github.com/denisvmedia/go-interceptproxy/storage"
	"github.com/denisvmedia/go-interceptproxy/version"
	"github.com/denisvmedia/go-interceptproxy/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if config.version {
		fmt.Println("interceptproxy: " + version.String())
		return
	}

	// Configure global slog logger.
	level := slog.LevelInfo
	if config.Debug > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: config.Debug > 1,
	}))
	slog.SetDefault(logger)

	if err := run(config); err != nil {
		slog.Error("interceptproxy exited", "error", err)
		os.Exit(1)
	}
}

func run(config *Config) error {
	ca, err := loadCA(config, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	listeners := make([]proxy.ListenerConfig, 0, len(config.Listen))
	for _, addr := range config.Listen {
		l, err := proxy.ParseListener(addr)
		if err != nil {
			return err
		}
		listeners = append(listeners, l)
	}

	proxyConfig := proxy.NewConfig(listeners...)
	proxyConfig.VerifyUpstream = config.VerifyUpstream
	if config.ReadTimeout > 0 {
		proxyConfig.ReadTimeout = config.ReadTimeout
	}
	proxyConfig.Upstream = config.Upstream
	proxyConfig.MaxBodySize = config.MaxBodySize
	proxyConfig.LogFilePath = config.LogFile
	proxyConfig.Name = config.Name

	p, err := proxy.NewProxy(proxyConfig, ca)
	if err != nil {
		return err
	}
	slog.Info("interceptproxy started", slog.String("version", p.Version))

	if scope := hostScope(config.AllowHosts, config.IgnoreHosts); scope != nil {
		p.SetScope(scope)
	}
	if len(config.PassthroughHosts) > 0 {
		hosts := config.PassthroughHosts
		p.SetPassthrough(func(host string, port int) bool {
			return helper.MatchHost(net.JoinHostPort(host, strconv.Itoa(port)), hosts)
		})
	}

	store := storage.NewMemory(config.StorageSize)
	p.SetStorage(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closers, err := register(ctx, p, config)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- p.Start()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	// Held messages pass through so that the shutdown can finish.
	for _, closeFn := range closers {
		closeFn()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := p.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if errors.Is(err, proxy.ErrProxyClosed) {
		err = nil
	}

	if config.Dump != "" {
		if dumpErr := store.WriteFile(config.Dump); dumpErr != nil {
			slog.Error("dump failed", "file", config.Dump, "error", dumpErr)
		} else {
			slog.Info("dumped exchanges", "file", config.Dump, "count", store.Len())
		}
	}
	return err
}

// register wires the interceptors selected by config, in the order they see
// traffic. It returns the functions releasing their held messages.
func register(ctx context.Context, p *proxy.Proxy, config *Config) ([]func(), error) {
	var closers []func()

	if config.MapRemote != "" {
		mapRemote, err := interceptors.NewMapRemoteFromFile(config.MapRemote)
		if err != nil {
			return nil, fmt.Errorf("load map remote: %w", err)
		}
		p.Register("map_remote", mapRemote)
	}

	if config.MapLocal != "" {
		mapLocal, err := interceptors.NewMapLocalFromFile(config.MapLocal)
		if err != nil {
			return nil, fmt.Errorf("load map local: %w", err)
		}
		p.Register("map_local", mapLocal)
	}

	if config.Decode {
		p.Register("decoder", &interceptors.Decoder{})
	}

	// The log interceptor wants every kind of message, so each offer clones
	// it. Only pay for that when logging was asked for.
	switch {
	case config.LogFile != "":
		p.Register("log", interceptors.NewInstanceLogInterceptor(p.InstanceLogger()))
		slog.Info("Logging to file", slog.String("file", config.LogFile))
	case config.Debug > 0:
		p.Register("log", interceptors.NewLogInterceptor(nil, slog.LevelDebug))
	}

	if config.WebAddr != "" {
		w := web.NewInterceptor(config.WebAddr)
		go func() {
			if err := w.Start(); err != nil {
				slog.Error("web interface stopped", "error", err)
			}
		}()
		p.Register("web", w)
		closers = append(closers, func() { _ = w.Close() })
	}

	if config.Editor {
		session := interceptors.NewSession(proxy.Interests{Requests: true, Responses: true}, 16)
		editor := interceptors.NewEditor(session)
		go func() {
			if err := editor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("editor stopped", "error", err)
			}
		}()
		p.Register("editor", session)
		closers = append(closers, session.Close)
	}

	return closers, nil
}

// hostScope builds the scope predicate. Allowed hosts take precedence over
// ignored ones. A nil predicate keeps everything in scope.
func hostScope(allow, ignore []string) func(req *proxy.Request) bool {
	address := func(req *proxy.Request) string {
		return net.JoinHostPort(req.DestHost, strconv.Itoa(req.DestPort))
	}
	switch {
	case len(allow) > 0:
		return func(req *proxy.Request) bool {
			return helper.MatchHost(address(req), allow)
		}
	case len(ignore) > 0:
		return func(req *proxy.Request) bool {
			return !helper.MatchHost(address(req), ignore)
		}
	default:
		return nil
	}
}

// loadCA loads the root CA from the cert path. A missing CA, or
// -generate_ca, creates a new one once the user confirms.
func loadCA(config *Config, in io.Reader, out io.Writer) (*cert.SelfSignCA, error) {
	if !config.generateCA {
		ca, err := cert.LoadCA(config.CertPath)
		if err == nil {
			return ca, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Info("no root CA found", "error", err)
	}

	confirmed := config.yes || confirm(in, out, "Generate a new root CA? Clients trusting the old one must trust the new one. [y/N] ")
	ca, err := cert.GenerateRootCA(config.CertPath, confirmed)
	if err != nil {
		return nil, err
	}
	return ca, nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
