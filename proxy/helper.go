package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Errors every proxy sees when peers hang up. They are logged at debug level.
var expectedErrs = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrClosedPipe,
	net.ErrClosed,
	os.ErrDeadlineExceeded,
	context.Canceled,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	websocket.ErrCloseSent,
}

// Messages of wrapped errors that lose their identity, e.g. tls alerts.
var expectedErrMsgs = []string{
	"tls: user canceled",
	"tls: unknown certificate",
	"tls: bad certificate",
}

func isExpectedErr(err error) bool {
	if lo.ContainsBy(expectedErrs, func(target error) bool { return errors.Is(err, target) }) {
		return true
	}
	msg := err.Error()
	return lo.ContainsBy(expectedErrMsgs, func(s string) bool { return strings.Contains(msg, s) })
}

// logErr reports err at error level unless it is an expected hang-up.
func logErr(logger *slog.Logger, err error) {
	if isExpectedErr(err) {
		logger.Debug("connection ended", "error", err)
		return
	}
	logger.Error("unexpected error", "error", err)
}

// transfer copies bytes both ways until either side stops, then closes both.
func transfer(logger *slog.Logger, server, client io.ReadWriteCloser) {
	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	closeBoth := func() {
		server.Close()
		client.Close()
	}
	pipe := func(dst io.Writer, src io.Reader, direction string) {
		defer wg.Done()
		n, err := io.Copy(dst, src)
		logger.Debug("copy ended", "direction", direction, "bytes", n, "error", err)
		if err != nil {
			logErr(logger, err)
		}
		once.Do(closeBoth)
	}
	wg.Add(2)
	go pipe(server, client, "client->server")
	go pipe(client, server, "server->client")
	wg.Wait()
}

// bufferedConn reads through r, which may already hold bytes taken from
// the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
