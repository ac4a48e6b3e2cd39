package parser

import (
	"io"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

// ParseRequest parses a complete serialized request. Bytes after the end of
// the message are ignored.
func ParseRequest(data []byte) (*types.Request, error) {
	req := types.NewRequest()
	if err := parseAll(New(req), data); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse parses a complete serialized response to a request sent with
// method. A response without framing headers ends with data.
func ParseResponse(data []byte, method string) (*types.Response, error) {
	rsp := types.NewResponse()
	if err := parseAll(NewResponse(rsp, method), data); err != nil {
		return nil, err
	}
	return rsp, nil
}

func parseAll(p *Parser, data []byte) error {
	if _, err := p.Write(data); err != nil {
		return err
	}
	if p.Done() {
		return nil
	}
	err := p.CloseInput()
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
