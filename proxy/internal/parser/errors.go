package parser

import (
	"errors"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

var (
	ErrMalformedStartLine = types.ErrMalformedStartLine
	ErrMalformedHeader    = errors.New("malformed header line")
	ErrBadChunk           = errors.New("illegal chunk syntax")
	ErrBadContentLength   = errors.New("invalid content-length")
	ErrDecode             = errors.New("content decoding failed")
	ErrMessageTooLarge    = errors.New("message too large")
)

// ParseError is fatal to the message being parsed.
type ParseError struct {
	Err    error
	Detail string
}

func newParseError(err error, detail string) *ParseError {
	return &ParseError{Err: err, Detail: detail}
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "parse error: " + e.Err.Error()
	}
	return "parse error: " + e.Err.Error() + ": " + e.Detail
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
