package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/denisvmedia/go-interceptproxy/cert"
)

// Issue a leaf certificate for a hostname from the configured root CA.

type Config struct {
	commonName string
	certPath   string
}

func loadConfig() *Config {
	config := new(Config)
	flag.StringVar(&config.commonName, "commonName", "", "server commonName")
	flag.StringVar(&config.certPath, "cert_path", "", "path of the root CA files, the default store when empty")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return config
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	config := loadConfig()
	if config.commonName == "" {
		slog.Error("commonName required")
		os.Exit(2)
	}

	ca, err := cert.LoadCA(config.certPath)
	if err != nil {
		slog.Error("failed to load CA", "error", err)
		os.Exit(1)
	}

	if err := writeLeaf(os.Stdout, ca, config.commonName); err != nil {
		slog.Error("failed to issue certificate", "commonName", config.commonName, "error", err)
		os.Exit(1)
	}
}

// writeLeaf prints a fresh leaf for commonName followed by its private key.
func writeLeaf(out io.Writer, ca *cert.SelfSignCA, commonName string) error {
	tlsCert, err := ca.DummyCert(commonName)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%v-cert.pem\n", commonName)
	if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: tlsCert.Certificate[0]}); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%v-key.pem\n", commonName)

	keyBytes, err := x509.MarshalPKCS8PrivateKey(tlsCert.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}
