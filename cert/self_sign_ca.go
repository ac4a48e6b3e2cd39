package cert

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

const (
	certFileName = "ca-cert.pem"
	keyFileName  = "ca-key.pem"

	caCommonName = "interceptproxy CA"
	leafValidity = 10 * 365 * 24 * time.Hour
	leafKeyBits  = 2048
)

// Serials fill 20 octets without setting the DER sign bit.
var serialLimit = new(big.Int).Lsh(big.NewInt(1), 159)

// SelfSignCA signs leaf certificates with a root keypair that is either
// loaded from a directory or kept in memory. Leaves are cached for the
// lifetime of the value and generated at most once per common name.
type SelfSignCA struct {
	PrivateKey crypto.Signer
	RootCert   *x509.Certificate
	StorePath  string

	cache   *lru.Cache
	group   *singleflight.Group
	cacheMu sync.Mutex
	logger  *slog.Logger
}

func newSelfSignCA(key crypto.Signer, root *x509.Certificate, storePath string) *SelfSignCA {
	return &SelfSignCA{
		PrivateKey: key,
		RootCert:   root,
		StorePath:  storePath,
		cache:      lru.New(0),
		group:      new(singleflight.Group),
		logger:     slog.Default().With("in", "SelfSignCA"),
	}
}

// LoadCA reads ca-cert.pem and ca-key.pem from path, or from the default
// store directory when path is empty. Nothing is generated when the files
// are missing.
func LoadCA(path string) (*SelfSignCA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	certPEM, err := os.ReadFile(filepath.Join(storePath, certFileName))
	if err != nil {
		return nil, &Error{Path: storePath, Err: err}
	}
	keyPEM, err := os.ReadFile(filepath.Join(storePath, keyFileName))
	if err != nil {
		return nil, &Error{Path: storePath, Err: err}
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, &Error{Path: storePath, Err: errors.New("invalid CA certificate PEM")}
	}
	root, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &Error{Path: storePath, Err: err}
	}
	if !root.IsCA {
		return nil, &Error{Path: storePath, Err: errors.New("certificate is not a CA")}
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, &Error{Path: storePath, Err: err}
	}
	return newSelfSignCA(key, root, storePath), nil
}

// GenerateRootCA creates a new root keypair and writes both PEM files to
// path, replacing any existing CA. Clients that trusted the previous CA stop
// trusting the proxy, so the caller must pass confirmed explicitly.
func GenerateRootCA(path string, confirmed bool) (*SelfSignCA, error) {
	if !confirmed {
		return nil, ErrNotConfirmed
	}
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, err
	}

	ca, err := NewSelfSignCAMemory()
	if err != nil {
		return nil, err
	}
	ca.StorePath = storePath
	if err := ca.save(); err != nil {
		return nil, err
	}
	ca.logger.Info("generated root CA", "path", storePath)
	return ca, nil
}

// NewSelfSignCAMemory creates a root CA that is never written to disk.
func NewSelfSignCAMemory() (*SelfSignCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{caCommonName},
		},
		NotBefore:             time.Now().Add(-48 * time.Hour),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return newSelfSignCA(key, root, ""), nil
}

func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.RootCert
}

// GetCert returns the cached leaf for commonName, generating it on first use.
// Concurrent first calls for the same name share a single generation.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(commonName); ok {
		ca.cacheMu.Unlock()
		ca.logger.Debug("GetCert cache hit", "commonName", commonName)
		return val.(*tls.Certificate), nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(commonName, func() (any, error) {
		ca.cacheMu.Lock()
		if val, ok := ca.cache.Get(commonName); ok {
			ca.cacheMu.Unlock()
			return val, nil
		}
		ca.cacheMu.Unlock()

		leaf, err := ca.DummyCert(commonName)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(commonName, leaf)
		ca.cacheMu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Certificate), nil
}

// DummyCert issues a fresh, uncached leaf certificate for commonName.
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	ca.logger.Debug("generating leaf certificate", "commonName", commonName)

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{caCommonName},
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{commonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, ca.RootCert, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", commonName, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.RootCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (ca *SelfSignCA) certFile() string {
	return filepath.Join(ca.StorePath, certFileName)
}

func (ca *SelfSignCA) keyFile() string {
	return filepath.Join(ca.StorePath, keyFileName)
}

func (ca *SelfSignCA) save() error {
	if err := writeFile(ca.certFile(), 0o644, ca.saveCertTo); err != nil {
		return err
	}
	return writeFile(ca.keyFile(), 0o600, ca.saveKeyTo)
}

var openFile = func(name string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

// writeFile writes name with write. A failed close is reported, it can be
// the only sign that the data never reached the disk.
func writeFile(name string, perm os.FileMode, write func(io.Writer) error) error {
	f, err := openFile(name, perm)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (ca *SelfSignCA) saveCertTo(out io.Writer) error {
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

func (ca *SelfSignCA) saveKeyTo(out io.Writer) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid CA key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, serialLimit)
}

func getStorePath(path string) (string, error) {
	if path != "" {
		return filepath.Abs(path)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".interceptproxy"), nil
}
