package interceptors

import (
	"context"

	"github.com/denisvmedia/go-interceptproxy/proxy"
)

// Decoder undoes the Content-Encoding of responses before they reach the
// client, so later interceptors and storage see plain bodies.
type Decoder struct {
	proxy.BaseInterceptor
}

var _ proxy.Interceptor = (*Decoder)(nil)

func (*Decoder) Interests() proxy.Interests {
	return proxy.Interests{Responses: true}
}

func (*Decoder) MangleResponse(_ context.Context, _ *proxy.Request, rsp *proxy.Response) (*proxy.Response, error) {
	if err := rsp.ReplaceToDecodedBody(); err != nil {
		return nil, err
	}
	return rsp, nil
}
