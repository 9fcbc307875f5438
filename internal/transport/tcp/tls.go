package tcp

import (
	"crypto/tls"
	"fmt"
)

// ClientTLSConfig returns the client TLS settings.
//
// Hostname and certificate-chain verification are disabled on purpose: relays
// run on local networks with self-signed certificates. Do not use this config
// against untrusted networks.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // self-signed local relays
		MinVersion:         tls.VersionTLS12,
	}
}

// ServerTLSConfig loads a certificate and key pair from PEM files.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
