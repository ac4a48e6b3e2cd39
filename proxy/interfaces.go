package proxy

import (
	"context"

	"github.com/gorilla/websocket"
)

// Connector performs upstream exchanges on behalf of client connections.
type Connector interface {
	// Exchange sends req to its destination and returns the response.
	// Cancelling ctx aborts the exchange and frees the upstream socket.
	Exchange(ctx context.Context, req *Request) (*Response, error)

	// DialWebsocket performs the upstream websocket handshake for req. When
	// the server refuses the upgrade its response is returned with the error.
	DialWebsocket(ctx context.Context, req *Request) (*websocket.Conn, *Response, error)
}

// Storage persists exchanges. The proxy calls Save once an in-scope
// request has cleared interception, DeepSave once its response (and any
// websocket traffic) is known, and LoadByID to replay a stored request.
type Storage interface {
	// Save stores the request alone and assigns its ID when empty.
	Save(req *Request) error

	// DeepSave stores the request with its response, unmangled copies and
	// websocket messages.
	DeepSave(req *Request) error

	// LoadByID returns a stored request.
	LoadByID(id string) (*Request, error)
}
