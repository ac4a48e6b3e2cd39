package proxy

import (
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"
)

// InstanceLogger tags every record of one proxy instance with its identity,
// so that several proxies can share a log sink.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Addrs        []string
	LogFilePath  string
	logger       *slog.Logger
	file         io.Closer
}

// NewInstanceLogger creates a logger for a proxy listening on addrs.
func NewInstanceLogger(instanceName string, addrs ...string) *InstanceLogger {
	return NewInstanceLoggerWithFile("", instanceName, addrs...)
}

// NewInstanceLoggerWithFile is NewInstanceLogger writing JSON records to
// logFilePath. If the file cannot be opened the default logger is used.
// An empty instanceName is derived from the listener ports.
func NewInstanceLoggerWithFile(logFilePath, instanceName string, addrs ...string) *InstanceLogger {
	if instanceName == "" {
		ports := lo.Map(addrs, func(addr string, _ int) string {
			if _, port, err := net.SplitHostPort(addr); err == nil {
				return port
			}
			return addr
		})
		instanceName = strings.Join(append([]string{"proxy"}, ports...), "-")
	}

	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Addrs:        addrs,
		LogFilePath:  logFilePath,
	}

	base := slog.Default()
	if logFilePath != "" {
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("Failed to open log file", "file", logFilePath, "error", err)
		} else {
			il.file = file
			base = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}
	il.logger = base.With(
		"instance_id", il.InstanceID,
		"instance_name", il.InstanceName,
		"listen", strings.Join(addrs, ","),
	)
	return il
}

// WithFields adds additional fields to the logger.
func (il *InstanceLogger) WithFields(args ...any) *slog.Logger {
	return il.logger.With(args...)
}

// GetLogger returns the underlying slog logger.
func (il *InstanceLogger) GetLogger() *slog.Logger {
	return il.logger
}

// Close releases the log file, if any.
func (il *InstanceLogger) Close() error {
	if il.file == nil {
		return nil
	}
	return il.file.Close()
}
