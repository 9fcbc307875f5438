package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/gobwas/ws"
)

// Dial opens a WebSocket connection to address and path, using wss when
// tlsConfig is set.
func Dial(ctx context.Context, address, path string, tlsConfig *tls.Config) (net.Conn, error) {
	scheme := "ws"
	if tlsConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, address, path)

	d := ws.Dialer{TLSConfig: tlsConfig}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewClientConn(conn, br), nil
}
