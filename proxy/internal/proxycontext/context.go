package proxycontext

import (
	"context"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/conn"
)

type proxyContextKey string

// Private context keys.
var (
	connContextKey proxyContextKey = "connContext"
	replayKey      proxyContextKey = "replay"
)

// WithConnContext adds a connection context to the given context.
func WithConnContext(ctx context.Context, connCtx *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, connCtx)
}

// GetConnContext retrieves the connection context from the given context.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	connCtx, ok := ctx.Value(connContextKey).(*conn.Context)
	return connCtx, ok
}

// WithReplay marks work started by a replay rather than a live client.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey, true)
}

// IsReplay reports whether ctx belongs to a replayed request.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey).(bool)
	return v
}
