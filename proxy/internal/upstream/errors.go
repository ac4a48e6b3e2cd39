package upstream

import "errors"

// ErrRejectionTruncated reports a refused websocket upgrade whose response
// body was longer than the part the dialer keeps.
var ErrRejectionTruncated = errors.New("refused websocket upgrade: response body truncated")

// Op names the step of an exchange that failed.
type Op string

const (
	OpDial  Op = "dial"
	OpTLS   Op = "tls"
	OpWrite Op = "write"
	OpRead  Op = "read"
)

// ConnectionError reports a failed upstream exchange: DNS failure, refused
// connection, TLS handshake failure, timeout or a connection torn down early.
type ConnectionError struct {
	Op   Op
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return "upstream " + string(e.Op) + " " + e.Addr + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
