package types

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"
)

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// Request is a mutable HTTP request together with its proxy metadata.
type Request struct {
	Method string
	Target string
	Proto  string
	Header *Header

	DestHost string
	DestPort int
	UseTLS   bool

	StartTime time.Time
	EndTime   time.Time

	// Response is nil until the exchange completes.
	Response *Response
	// ID is empty while the request has not been persisted.
	ID string
	// FlowID identifies the exchange from the moment the request is read.
	// Clones keep it, so the request and its response share one id.
	FlowID uuid.UUID
	// Unmangled is an owned copy of the request as it was received, set
	// when an interceptor changed it.
	Unmangled  *Request
	WSMessages []*WSMessage

	tags map[string]struct{}
	body []byte
}

// NewRequest creates an empty HTTP/1.1 request.
func NewRequest() *Request {
	return &Request{
		Proto:  "HTTP/1.1",
		Header: NewHeader(),
		FlowID: uuid.NewV4(),
		tags:   make(map[string]struct{}),
	}
}

// ParseStartLine parses "METHOD target PROTO".
func (r *Request) ParseStartLine(line string) error {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	r.Method, r.Target, r.Proto = parts[0], parts[1], parts[2]
	return nil
}

// MessageHeader implements the parser target.
func (r *Request) MessageHeader() *Header {
	return r.Header
}

// StartLine returns the serialized request line.
func (r *Request) StartLine() string {
	return r.Method + " " + r.Target + " " + r.Proto
}

// Body returns the raw body.
func (r *Request) Body() []byte {
	return r.body
}

// SetBody replaces the body and rewrites Content-Length to match.
func (r *Request) SetBody(body []byte) {
	r.body = body
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// HeaderSection returns the start line followed by the header lines, without
// the terminating blank line.
func (r *Request) HeaderSection() string {
	var sb strings.Builder
	sb.WriteString(r.StartLine())
	r.Header.write(&sb)
	return sb.String()
}

// Bytes returns the full serialized message.
func (r *Request) Bytes() []byte {
	return joinMessage(r.HeaderSection(), r.body)
}

// Scheme returns the scheme implied by the destination.
func (r *Request) Scheme() string {
	if r.UseTLS {
		return "https"
	}
	return "http"
}

// URL returns the request URL. An absolute-form target is returned as is,
// otherwise scheme and host come from the destination fields.
func (r *Request) URL() *url.URL {
	u, err := url.ParseRequestURI(r.Target)
	if err != nil {
		u = &url.URL{Path: r.Target}
	}
	if u.IsAbs() {
		return u
	}
	u.Scheme = r.Scheme()
	u.Host = r.hostPort()
	return u
}

// FullTarget returns the absolute-form URL of the request.
func (r *Request) FullTarget() string {
	return r.URL().String()
}

// SetURL points the request at u: destination fields follow the URL, the
// target becomes origin-form and the Host header is updated.
func (r *Request) SetURL(u *url.URL) error {
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", u.String())
	}
	scheme := strings.ToLower(u.Scheme)
	port := defaultPorts[scheme]
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port in %q: %w", u.String(), err)
		}
		port = n
	}
	if port == 0 {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	r.DestHost = u.Hostname()
	r.DestPort = port
	r.UseTLS = scheme == "https" || scheme == "wss"
	r.Target = u.RequestURI()
	r.Header.Set("Host", r.hostPort())
	return nil
}

// Query returns the parsed query string.
func (r *Request) Query() url.Values {
	return r.URL().Query()
}

// PostForm returns the parsed urlencoded body, or nil for other bodies.
func (r *Request) PostForm() url.Values {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return nil
	}
	values, err := url.ParseQuery(string(r.body))
	if err != nil {
		return nil
	}
	return values
}

// Cookies parses every Cookie header.
func (r *Request) Cookies() []*http.Cookie {
	cookies := make([]*http.Cookie, 0)
	for _, line := range r.Header.Values("Cookie") {
		parsed, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, parsed...)
	}
	return cookies
}

// IsWebsocketUpgrade reports whether the request asks for a websocket upgrade.
func (r *Request) IsWebsocketUpgrade() bool {
	return r.Header.Contains("Connection", "upgrade") && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// StripProxyHeaders removes headers addressed to the proxy itself.
func (r *Request) StripProxyHeaders() {
	r.Header.Del("Proxy-Connection")
	r.Header.Del("Proxy-Authorization")
}

// AddTag adds a free-form tag.
func (r *Request) AddTag(tag string) {
	if r.tags == nil {
		r.tags = make(map[string]struct{})
	}
	r.tags[tag] = struct{}{}
}

// RemoveTag removes a tag.
func (r *Request) RemoveTag(tag string) {
	delete(r.tags, tag)
}

// HasTag reports whether the request carries tag.
func (r *Request) HasTag(tag string) bool {
	_, ok := r.tags[tag]
	return ok
}

// TagList returns the tags in sorted order.
func (r *Request) TagList() []string {
	tags := lo.Keys(r.tags)
	slices.Sort(tags)
	return tags
}

// Clone returns an owned deep copy, including the response, the unmangled
// chain and websocket messages.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	c.body = bytes.Clone(r.body)
	c.tags = make(map[string]struct{}, len(r.tags))
	for t := range r.tags {
		c.tags[t] = struct{}{}
	}
	c.Response = r.Response.Clone()
	c.Unmangled = r.Unmangled.Clone()
	c.WSMessages = lo.Map(r.WSMessages, func(m *WSMessage, _ int) *WSMessage {
		return m.Clone()
	})
	return &c
}

// Eq reports whether both requests serialize identically and share the same
// destination.
func (r *Request) Eq(other *Request) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.DestHost == other.DestHost &&
		r.DestPort == other.DestPort &&
		r.UseTLS == other.UseTLS &&
		bytes.Equal(r.Bytes(), other.Bytes())
}

func (r *Request) hostPort() string {
	if r.DestHost == "" {
		return r.Header.Get("Host")
	}
	if r.DestPort == 0 || r.DestPort == defaultPorts[r.Scheme()] {
		if strings.Contains(r.DestHost, ":") {
			return "[" + r.DestHost + "]"
		}
		return r.DestHost
	}
	return net.JoinHostPort(r.DestHost, strconv.Itoa(r.DestPort))
}

func joinMessage(head string, body []byte) []byte {
	buf := make([]byte, 0, len(head)+4+len(body))
	buf = append(buf, head...)
	buf = append(buf, "\r\n\r\n"...)
	return append(buf, body...)
}
