// This file contains tests for the proxy's connection helpers.
//
// Justification:
// - isExpectedErr: decides which errors are demoted to debug logging
// - transfer: the byte relay used for passthrough tunnels
//
// Both are unexported and used only by the connection loop.

package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestIsExpectedErr(t *testing.T) {
	c := qt.New(t)

	tests := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{fmt.Errorf("read: %w", net.ErrClosed), true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{errors.New("remote error: tls: user canceled"), true},
		{errors.New("something odd"), false},
	}
	for _, tt := range tests {
		c.Assert(isExpectedErr(tt.err), qt.Equals, tt.want, qt.Commentf("%v", tt.err))
	}
}

func TestTransferRelaysBothWays(t *testing.T) {
	c := qt.New(t)

	clientSide, clientProxy := net.Pipe()
	serverProxy, serverSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		transfer(slog.New(slog.DiscardHandler), serverProxy, clientProxy)
		close(done)
	}()

	go func() { _, _ = clientSide.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(serverSide, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "ping")

	go func() { _, _ = serverSide.Write([]byte("pong")) }()
	_, err = io.ReadFull(clientSide, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "pong")

	c.Assert(serverSide.Close(), qt.IsNil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("transfer did not return after the server closed")
	}
	_, err = clientSide.Read(buf)
	c.Assert(err, qt.IsNotNil)
}
