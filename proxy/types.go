package proxy

import (
	"context"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/conn"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/gateway"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/parser"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/proxycontext"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
	"github.com/denisvmedia/go-interceptproxy/proxy/internal/upstream"
)

// Re-export types from internal packages for external use.

type (
	// Header is an ordered, case-insensitive header multimap.
	Header = types.Header

	// HeaderField is one header line.
	HeaderField = types.HeaderField

	// Request is an HTTP request as it travels through the proxy.
	Request = types.Request

	// Response is an HTTP response as it travels through the proxy.
	Response = types.Response

	// WSMessage is a single relayed websocket message.
	WSMessage = types.WSMessage

	// Direction tells which peer a websocket message travels to.
	Direction = types.Direction

	// Kind is the category of an offered message.
	Kind = types.Kind

	// Interests declares which kinds an interceptor wants.
	Interests = types.Interests

	// Interceptor mangles in-flight messages.
	Interceptor = types.Interceptor

	// BaseInterceptor provides pass-through implementations of every hook.
	BaseInterceptor = types.BaseInterceptor

	// ClientConn represents a client connection.
	ClientConn = conn.ClientConn

	// ServerConn represents a server connection.
	ServerConn = conn.ServerConn

	// ConnContext represents the connection context.
	ConnContext = conn.Context

	// ParseError reports a malformed message.
	ParseError = parser.ParseError

	// ConnectionError reports a failed upstream exchange.
	ConnectionError = upstream.ConnectionError
)

const (
	ToServer = types.ToServer
	ToClient = types.ToClient

	KindRequest   = types.KindRequest
	KindResponse  = types.KindResponse
	KindWebsocket = types.KindWebsocket
)

var (
	// ErrDropped reports an exchange dropped by an interceptor.
	ErrDropped = gateway.ErrDropped

	ErrMalformedStartLine = parser.ErrMalformedStartLine
	ErrMalformedHeader    = parser.ErrMalformedHeader
	ErrBadChunk           = parser.ErrBadChunk
	ErrBadContentLength   = parser.ErrBadContentLength
	ErrDecode             = parser.ErrDecode
	ErrMessageTooLarge    = parser.ErrMessageTooLarge

	ErrUnsupportedEncoding = types.ErrUnsupportedEncoding
)

// NewRequest creates an empty HTTP/1.1 request.
func NewRequest() *Request {
	return types.NewRequest()
}

// NewResponse creates an empty HTTP/1.1 response.
func NewResponse() *Response {
	return types.NewResponse()
}

// NewWSMessage creates a websocket message stamped with the current time.
func NewWSMessage(dir Direction, binary bool, payload []byte) *WSMessage {
	return types.NewWSMessage(dir, binary, payload)
}

// ParseRequest parses one complete request. Interceptors that edit raw
// message text use it to turn the text back into a Request.
func ParseRequest(data []byte) (*Request, error) {
	return parser.ParseRequest(data)
}

// ParseResponse parses one complete response to a request sent with method.
func ParseResponse(data []byte, method string) (*Response, error) {
	return parser.ParseResponse(data, method)
}

// DecodeBody undoes a Content-Encoding value.
func DecodeBody(encoding string, body []byte) ([]byte, error) {
	return types.DecodeBody(encoding, body)
}

// ConnContextFrom returns the client connection an offered message belongs
// to. Replayed requests have none.
func ConnContextFrom(ctx context.Context) (*ConnContext, bool) {
	return proxycontext.GetConnContext(ctx)
}
