package proxy

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ListenerConfig is one socket the proxy listens on.
type ListenerConfig struct {
	Interface string `json:"interface"`
	Port      int    `json:"port"`
}

// Addr returns the listen address.
func (l ListenerConfig) Addr() string {
	return net.JoinHostPort(l.Interface, strconv.Itoa(l.Port))
}

// ParseListener parses "interface:port" or ":port". Port 0 picks a free port.
func ParseListener(addr string) (ListenerConfig, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ListenerConfig{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ListenerConfig{}, fmt.Errorf("invalid port in listener %q", addr)
	}
	return ListenerConfig{Interface: host, Port: port}, nil
}

// Config holds the proxy configuration settings.
type Config struct {
	Listeners []ListenerConfig
	// VerifyUpstream turns on certificate verification of upstream servers
	// and https upstream proxies. Without it any certificate is accepted.
	VerifyUpstream bool
	Upstream       string
	// MaxBodySize limits request and response bodies. Zero means unlimited.
	MaxBodySize int64
	DialTimeout time.Duration
	// ReadTimeout bounds how long an upstream server may stay silent while
	// a response is read. Zero disables it.
	ReadTimeout time.Duration
	LogFilePath string
	Name        string
}

// NewConfig creates a new Config listening on the given addresses.
// It sets default values for other fields.
func NewConfig(listeners ...ListenerConfig) Config {
	return Config{
		Listeners:   listeners,
		MaxBodySize: 64 << 20, // default: 64mb
		DialTimeout: 30 * time.Second,
		ReadTimeout: 2 * time.Minute,
	}
}
