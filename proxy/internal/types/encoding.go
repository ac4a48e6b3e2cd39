package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

var textContentTypes = []string{
	"text",
	"javascript",
	"json",
	"xml",
	"x-www-form-urlencoded",
}

// DecodeBody decodes body according to a Content-Encoding value. Stacked
// encodings are undone in reverse order.
func DecodeBody(encoding string, body []byte) ([]byte, error) {
	encs := strings.Split(encoding, ",")
	for i := len(encs) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encs[i]))
		decoded, err := decodeOne(enc, body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	return body, nil
}

func decodeOne(enc string, body []byte) ([]byte, error) {
	switch enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		// Servers disagree on whether deflate carries the zlib wrapper.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
}

// message is the part of Request and Response shared by body decoding.
type message interface {
	MessageHeader() *Header
	Body() []byte
	SetBody([]byte)
}

func decodedBody(m message) ([]byte, error) {
	enc := m.MessageHeader().Get("Content-Encoding")
	if enc == "" {
		return m.Body(), nil
	}
	return DecodeBody(enc, m.Body())
}

// replaceToDecodedBody swaps an encoded body for its plain form and drops the
// framing headers. The message is left untouched when decoding fails.
func replaceToDecodedBody(m message) error {
	h := m.MessageHeader()
	if enc := h.Get("Content-Encoding"); enc != "" {
		body, err := DecodeBody(enc, m.Body())
		if err != nil {
			return err
		}
		h.Del("Content-Encoding")
		h.Del("Transfer-Encoding")
		m.SetBody(body)
		return nil
	}
	if h.Has("Transfer-Encoding") {
		h.Del("Transfer-Encoding")
		m.SetBody(m.Body())
	}
	return nil
}

func isTextContentType(h *Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	if ct == "" {
		return false
	}
	for _, s := range textContentTypes {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}

// DecodedBody returns the body with any Content-Encoding undone.
func (r *Request) DecodedBody() ([]byte, error) {
	return decodedBody(r)
}

// ReplaceToDecodedBody replaces an encoded body with its decoded form.
func (r *Request) ReplaceToDecodedBody() error {
	return replaceToDecodedBody(r)
}

// DecodedBody returns the body with any Content-Encoding undone.
func (r *Response) DecodedBody() ([]byte, error) {
	return decodedBody(r)
}

// ReplaceToDecodedBody replaces an encoded body with its decoded form.
func (r *Response) ReplaceToDecodedBody() error {
	return replaceToDecodedBody(r)
}

// IsTextContentType reports whether the body is likely human readable.
func (r *Response) IsTextContentType() bool {
	return isTextContentType(r.Header)
}
