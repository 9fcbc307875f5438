// Package tcp provides the TCP and TLS stream transport for chat connections.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Dial connects to address. A non-nil tlsConfig wraps the stream in TLS and
// completes the TLS handshake before returning, so framing starts on a ready
// stream.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tlsConfig == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", address, err)
	}
	return tlsConn, nil
}

// Listen opens a TCP listener on address, wrapped in TLS when tlsConfig is set.
func Listen(address string, tlsConfig *tls.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if tlsConfig == nil {
		return listener, nil
	}
	return tls.NewListener(listener, tlsConfig), nil
}
