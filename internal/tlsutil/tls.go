// Package tlsutil builds TLS configurations for the query API listener and for mTLS
// connections to a remote KMS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig builds a listener tls.Config from on-disk PEM files.
//
//   - certFile/keyFile: server certificate and private key.
//   - clientCAFile: optional CA bundle used to verify client certificates.
//   - requireClientCert: demand a verified client certificate; only valid with clientCAFile.
func NewServerTLSConfig(certFile, keyFile, clientCAFile string, requireClientCert bool) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("server cert and key files must be provided")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	cfg := &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	if clientCAFile == "" {
		if requireClientCert {
			return nil, fmt.Errorf("requireClientCert=true but client CA file not provided")
		}
		cfg.ClientAuth = tls.NoClientCert
		return cfg, nil
	}

	pool, err := loadPool(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("client CA: %w", err)
	}
	cfg.ClientCAs = pool
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// NewClientTLSConfig builds an outbound tls.Config. certFile and keyFile enable a client
// certificate and must be given together; caFile replaces the system roots. It returns
// nil, nil when nothing is configured so callers keep the default transport.
func NewClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, fmt.Errorf("client cert and key must be provided together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("server CA: %w", err)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA bundle at %s", path)
	}
	return pool, nil
}
