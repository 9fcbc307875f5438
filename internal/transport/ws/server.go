package ws

import (
	"bytes"
	"fmt"
	"net"
	"net/http"

	"github.com/gobwas/ws"
)

// Upgrade performs the server side of the WebSocket opening handshake on conn.
// Requests for any path other than path are rejected with 404; an empty path
// accepts everything.
func Upgrade(conn net.Conn, path string) (*Conn, error) {
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if i := bytes.IndexByte(uri, '?'); i >= 0 {
				uri = uri[:i]
			}
			if path != "" && string(uri) != path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
	}
	if _, err := u.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("failed to upgrade WebSocket connection: %w", err)
	}
	return NewServerConn(conn), nil
}
