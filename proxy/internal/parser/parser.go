// Package parser frames HTTP/1.x messages from bytes delivered in arbitrary
// pieces. A Parser fills one message and stops at its end, leaving any
// surplus bytes to the caller.
package parser

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

const (
	maxLineSize   = 64 << 10
	maxHeaderSize = 1 << 20
	maxHexDigits  = 16
)

// Message is the object a Parser fills.
type Message interface {
	ParseStartLine(line string) error
	MessageHeader() *types.Header
	Body() []byte
	SetBody(body []byte)
	ReplaceToDecodedBody() error
}

type state int

const (
	stateStartLine state = iota
	stateHeaders
	stateFixed
	stateChunkSize
	stateChunkData
	stateLiteral
	stateTrailer
	stateUntilClose
	stateDone
	stateFailed
)

type framing int

const (
	framingNone framing = iota
	framingFixed
	framingChunked
	framingUntilClose
)

// Parser is an incremental HTTP/1.x message parser. It is not safe for
// concurrent use.
type Parser struct {
	// MaxBodySize limits the framed body size. Zero means unlimited.
	MaxBodySize int64

	msg        Message
	isResponse bool
	method     string

	state   state
	framing framing
	err     error
	started bool

	line        []byte
	headerBytes int
	body        []byte
	remaining   int64

	literal      []byte
	afterLiteral state
}

// New returns a parser that fills a request.
func New(msg Message) *Parser {
	return &Parser{msg: msg}
}

// NewResponse returns a parser that fills a response to a request sent with
// method. The method decides whether the response may carry a body.
func NewResponse(msg Message, method string) *Parser {
	return &Parser{msg: msg, isResponse: true, method: strings.ToUpper(method)}
}

// Done reports whether the message is complete.
func (p *Parser) Done() bool {
	return p.state == stateDone
}

// Started reports whether any byte of the message was consumed.
func (p *Parser) Started() bool {
	return p.started
}

// InBody reports whether the header section is complete and the body is
// still being read.
func (p *Parser) InBody() bool {
	return p.state > stateHeaders && p.state < stateDone
}

// Err returns the error that stopped the parser, if any.
func (p *Parser) Err() error {
	return p.err
}

// Write consumes bytes of the message and returns how many belong to it.
// Once the message is complete no further bytes are consumed.
func (p *Parser) Write(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	i := 0
	for i < len(data) && p.state != stateDone {
		n, err := p.step(data[i:])
		i += n
		if n > 0 {
			p.started = true
		}
		if err != nil {
			p.state = stateFailed
			p.err = err
			return i, err
		}
	}
	return i, nil
}

// CloseInput signals that no more bytes will arrive. A close-delimited
// response completes, any other unfinished message fails with
// io.ErrUnexpectedEOF. io.EOF is returned when nothing was received at all.
func (p *Parser) CloseInput() error {
	switch {
	case p.err != nil:
		return p.err
	case p.state == stateDone:
		return nil
	case p.state == stateUntilClose:
		if err := p.finish(); err != nil {
			p.state = stateFailed
			p.err = err
			return err
		}
		return nil
	case !p.started:
		return io.EOF
	default:
		return io.ErrUnexpectedEOF
	}
}

func (p *Parser) step(data []byte) (int, error) {
	switch p.state {
	case stateStartLine, stateHeaders, stateChunkSize, stateTrailer:
		return p.readLine(data)
	case stateFixed, stateChunkData:
		n := int64(len(data))
		if n > p.remaining {
			n = p.remaining
		}
		if err := p.appendBody(data[:n]); err != nil {
			return 0, err
		}
		p.remaining -= n
		if p.remaining > 0 {
			return int(n), nil
		}
		if p.state == stateFixed {
			return int(n), p.finish()
		}
		p.expect("\r\n", stateChunkSize)
		return int(n), nil
	case stateLiteral:
		return p.readLiteral(data)
	case stateUntilClose:
		return len(data), p.appendBody(data)
	}
	return 0, nil
}

func (p *Parser) readLine(data []byte) (int, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		p.line = append(p.line, data...)
		if len(p.line) > maxLineSize {
			return len(data), newParseError(ErrMessageTooLarge, "line too long")
		}
		return len(data), nil
	}
	p.line = append(p.line, data[:idx]...)
	line := string(bytes.TrimSuffix(p.line, []byte{'\r'}))
	p.line = p.line[:0]
	return idx + 1, p.handleLine(line)
}

func (p *Parser) handleLine(line string) error {
	switch p.state {
	case stateStartLine:
		if line == "" && !p.isResponse {
			// Stray CRLF between pipelined requests.
			return nil
		}
		if err := p.msg.ParseStartLine(line); err != nil {
			return newParseError(ErrMalformedStartLine, strconv.Quote(line))
		}
		p.state = stateHeaders
		return nil
	case stateHeaders:
		if line == "" {
			return p.chooseFraming()
		}
		p.headerBytes += len(line)
		if p.headerBytes > maxHeaderSize {
			return newParseError(ErrMessageTooLarge, "header section too large")
		}
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return newParseError(ErrMalformedHeader, strconv.Quote(line))
		}
		p.msg.MessageHeader().Add(key, strings.TrimSpace(value))
		return nil
	case stateChunkSize:
		return p.handleChunkSize(line)
	case stateTrailer:
		// Trailer fields are inert.
		if line == "" {
			return p.finish()
		}
		return nil
	}
	return nil
}

func (p *Parser) handleChunkSize(line string) error {
	digits := 0
	for digits < len(line) && isHex(line[digits]) {
		digits++
	}
	if digits == 0 || digits > maxHexDigits {
		return newParseError(ErrBadChunk, "chunk size "+strconv.Quote(line))
	}
	rest := strings.TrimLeft(line[digits:], " \t")
	if rest != "" && rest[0] != ';' {
		return newParseError(ErrBadChunk, "chunk size "+strconv.Quote(line))
	}
	size, err := strconv.ParseUint(line[:digits], 16, 64)
	if err != nil || size > 1<<62 {
		return newParseError(ErrBadChunk, "chunk size "+strconv.Quote(line))
	}
	if size == 0 {
		p.state = stateTrailer
		return nil
	}
	p.remaining = int64(size)
	p.state = stateChunkData
	return nil
}

func (p *Parser) readLiteral(data []byte) (int, error) {
	i := 0
	for i < len(data) && len(p.literal) > 0 {
		switch {
		case data[i] == p.literal[0]:
			p.literal = p.literal[1:]
		case p.literal[0] == '\r' && data[i] == '\n':
			// Bare LF instead of CRLF.
			p.literal = p.literal[2:]
		default:
			return i, newParseError(ErrBadChunk, "expected CRLF after chunk data")
		}
		i++
	}
	if len(p.literal) == 0 {
		p.state = p.afterLiteral
	}
	return i, nil
}

func (p *Parser) expect(literal string, next state) {
	p.literal = []byte(literal)
	p.afterLiteral = next
	p.state = stateLiteral
}

func (p *Parser) chooseFraming() error {
	h := p.msg.MessageHeader()
	if p.isResponse && p.noBodyResponse() {
		p.framing = framingNone
		return p.finish()
	}
	if h.Contains("Transfer-Encoding", "chunked") {
		h.Del("Content-Length")
		p.framing = framingChunked
		p.state = stateChunkSize
		return nil
	}
	if h.Has("Content-Length") {
		n, err := contentLength(h.Values("Content-Length"))
		if err != nil {
			return err
		}
		if p.MaxBodySize > 0 && n > p.MaxBodySize {
			return newParseError(ErrMessageTooLarge, "content-length "+strconv.FormatInt(n, 10))
		}
		p.framing = framingFixed
		p.remaining = n
		if n == 0 {
			return p.finish()
		}
		p.state = stateFixed
		return nil
	}
	if p.isResponse {
		p.framing = framingUntilClose
		p.state = stateUntilClose
		return nil
	}
	p.framing = framingNone
	return p.finish()
}

func (p *Parser) noBodyResponse() bool {
	rsp, ok := p.msg.(*types.Response)
	if !ok {
		return p.method == "HEAD"
	}
	code := rsp.StatusCode
	switch {
	case p.method == "HEAD":
		return true
	case p.method == "CONNECT" && code >= 200 && code < 300:
		return true
	case code >= 100 && code < 200, code == 204, code == 304:
		return true
	}
	return false
}

func (p *Parser) appendBody(data []byte) error {
	if p.MaxBodySize > 0 && int64(len(p.body)+len(data)) > p.MaxBodySize {
		return newParseError(ErrMessageTooLarge, "body exceeds limit")
	}
	p.body = append(p.body, data...)
	return nil
}

func (p *Parser) finish() error {
	p.state = stateDone
	h := p.msg.MessageHeader()
	if p.framing == framingChunked {
		h.Del("Transfer-Encoding")
	}
	if p.framing != framingNone || len(p.body) > 0 {
		p.msg.SetBody(p.body)
	}
	// An empty body has nothing to decode. Content-Encoding stays, it still
	// describes the representation a HEAD or 304 refers to.
	if !h.Has("Content-Encoding") || len(p.body) == 0 {
		return nil
	}
	if err := p.msg.ReplaceToDecodedBody(); err != nil {
		if errors.Is(err, types.ErrUnsupportedEncoding) {
			return nil
		}
		return newParseError(ErrDecode, err.Error())
	}
	return nil
}

func contentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 {
				return 0, newParseError(ErrBadContentLength, strconv.Quote(v))
			}
			if n >= 0 && m != n {
				return 0, newParseError(ErrBadContentLength, "conflicting values")
			}
			n = m
		}
	}
	return n, nil
}

func isHex(b byte) bool {
	return '0' <= b && b <= '9' || 'a' <= b && b <= 'f' || 'A' <= b && b <= 'F'
}
