package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// LogInterceptor logs every message offered to it and passes it through.
type LogInterceptor struct {
	logger *slog.Logger
	level  slog.Level
}

var _ proxy.Interceptor = (*LogInterceptor)(nil)

// NewLogInterceptor logs to logger at level. A nil logger means the default
// logger.
func NewLogInterceptor(logger *slog.Logger, level slog.Level) *LogInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogInterceptor{logger: logger.With("in", "interceptors.Log"), level: level}
}

// NewInstanceLogInterceptor logs with the identity of a proxy instance.
func NewInstanceLogInterceptor(il *proxy.InstanceLogger) *LogInterceptor {
	return &LogInterceptor{logger: il.WithFields("in", "interceptors.Log"), level: slog.LevelInfo}
}

func (*LogInterceptor) Interests() proxy.Interests {
	return proxy.Interests{Requests: true, Responses: true, Websocket: true}
}

func (l *LogInterceptor) MangleRequest(ctx context.Context, req *proxy.Request) (*proxy.Request, error) {
	l.logger.Log(ctx, l.level, "request",
		"method", req.Method,
		"url", req.FullTarget(),
		"body_len", len(req.Body()),
		"event", "request",
	)
	return req, nil
}

func (l *LogInterceptor) MangleResponse(ctx context.Context, req *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	args := []any{
		"method", req.Method,
		"url", req.FullTarget(),
		"status_code", rsp.StatusCode,
		"body_len", len(rsp.Body()),
		"event", "response",
	}
	if !req.StartTime.IsZero() {
		args = append(args, "duration_ms", time.Since(req.StartTime).Milliseconds())
	}
	l.logger.Log(ctx, l.level, "response", args...)
	return rsp, nil
}

func (l *LogInterceptor) MangleWebsocket(ctx context.Context, req *proxy.Request, _ *proxy.Response, msg *proxy.WSMessage) (*proxy.WSMessage, error) {
	l.logger.Log(ctx, l.level, "websocket message",
		"url", req.FullTarget(),
		"direction", msg.Direction.String(),
		"binary", msg.Binary,
		"payload_len", len(msg.Payload),
		"event", "websocket_message",
	)
	return msg, nil
}
