// Package ws provides WebSocket transport implementation for chat connections.
//
// A Conn turns a WebSocket connection back into a byte stream: every Write is
// sent as one binary message and Read drains incoming binary messages in
// order. The chat framing runs unchanged on top of it.
package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const closeTimeout = time.Second

// Conn adapts a gobwas/ws connection to net.Conn.
type Conn struct {
	net.Conn
	state  ws.State
	reader io.Reader

	readBuffer    []byte
	readBufferPos int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewServerConn wraps an upgraded server-side connection.
func NewServerConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn, state: ws.StateServerSide, reader: conn}
}

// NewClientConn wraps a dialed client-side connection. br holds any bytes
// buffered during the opening handshake and may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{Conn: conn, state: ws.StateClientSide, reader: conn}
	if br != nil {
		c.reader = br
	}
	return c
}

// Read implements io.Reader over the stream of binary messages.
func (c *Conn) Read(buf []byte) (int, error) {
	for c.readBufferPos >= len(c.readBuffer) {
		data, op, err := wsutil.ReadData(&controlRW{conn: c}, c.state)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		c.readBuffer = data
		c.readBufferPos = 0
	}

	n := copy(buf, c.readBuffer[c.readBufferPos:])
	c.readBufferPos += n
	if c.readBufferPos >= len(c.readBuffer) {
		c.readBuffer = nil
		c.readBufferPos = 0
	}
	return n, nil
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteMessage(c.Conn, c.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame when no write is in flight, then closes the
// underlying connection. It never waits on a blocked writer.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(closeTimeout))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = wsutil.WriteMessage(c.Conn, c.state, ws.OpClose, body)
			c.writeMu.Unlock()
		}
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// controlRW reads through the connection's reader and serializes control
// frame replies (pong, close) with data writes.
type controlRW struct {
	conn *Conn
}

func (rw *controlRW) Read(p []byte) (int, error) {
	return rw.conn.reader.Read(p)
}

func (rw *controlRW) Write(p []byte) (int, error) {
	rw.conn.writeMu.Lock()
	defer rw.conn.writeMu.Unlock()
	return rw.conn.Conn.Write(p)
}
