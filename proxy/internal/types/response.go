package types

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Response is a mutable HTTP response. It does not point back to its request.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     *Header

	// Unmangled is an owned copy of the response as received from upstream,
	// set when an interceptor changed it.
	Unmangled *Response

	body []byte
}

// NewResponse creates an empty HTTP/1.1 response.
func NewResponse() *Response {
	return &Response{
		Proto:  "HTTP/1.1",
		Header: NewHeader(),
	}
}

// ParseStartLine parses "PROTO CODE [REASON]".
func (r *Response) ParseStartLine(line string) error {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 {
		return fmt.Errorf("%w: bad status code in %q", ErrMalformedStartLine, line)
	}
	r.Proto = parts[0]
	r.StatusCode = code
	r.Reason = ""
	if len(parts) == 3 {
		r.Reason = parts[2]
	}
	return nil
}

// MessageHeader implements the parser target.
func (r *Response) MessageHeader() *Header {
	return r.Header
}

// StartLine returns the serialized status line.
func (r *Response) StartLine() string {
	line := r.Proto + " " + strconv.Itoa(r.StatusCode)
	if r.Reason != "" {
		line += " " + r.Reason
	}
	return line
}

// Body returns the raw body.
func (r *Response) Body() []byte {
	return r.body
}

// SetBody replaces the body and rewrites Content-Length to match.
func (r *Response) SetBody(body []byte) {
	r.body = body
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// HeaderSection returns the status line followed by the header lines.
func (r *Response) HeaderSection() string {
	var sb strings.Builder
	sb.WriteString(r.StartLine())
	r.Header.write(&sb)
	return sb.String()
}

// Bytes returns the full serialized message.
func (r *Response) Bytes() []byte {
	return joinMessage(r.HeaderSection(), r.body)
}

// Cookies parses every Set-Cookie header. Malformed lines are skipped.
func (r *Response) Cookies() []*http.Cookie {
	cookies := make([]*http.Cookie, 0)
	for _, line := range r.Header.Values("Set-Cookie") {
		cookie, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, cookie)
	}
	return cookies
}

// Clone returns an owned deep copy including the unmangled chain.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	c.body = bytes.Clone(r.body)
	c.Unmangled = r.Unmangled.Clone()
	return &c
}

// Eq reports whether both responses serialize identically.
func (r *Response) Eq(other *Response) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.Bytes(), other.Bytes())
}
