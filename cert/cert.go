package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// CA issues leaf certificates used to impersonate upstream hosts.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

// ErrNotConfirmed is returned by GenerateRootCA when the caller did not
// confirm that the existing CA may be replaced.
var ErrNotConfirmed = errors.New("root CA generation not confirmed")

// Error reports a CA that cannot be loaded from disk.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return "certificate authority " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
