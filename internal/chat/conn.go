// Package chat provides the core chat domain logic shared by all transports.
package chat

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithWriteTimeout bounds every Send. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.writeTimeout = d }
}

// Conn is one framed connection over a stream transport.
// Exactly one goroutine may call Receive; Send and Close are safe for concurrent use.
type Conn struct {
	id           string
	transport    net.Conn
	reader       *bufio.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	state        atomic.Int32
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps a transport that is already established (TLS and WebSocket
// upgrades included).
func NewConn(transport net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		transport: transport,
		reader:    bufio.NewReaderSize(transport, protocol.HeaderSize+protocol.MaxFrameSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the connection identity. Aliases are not unique; IDs are.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.transport.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Send writes text as one frame. It fails with protocol.ErrNotConnected once
// Close has been called.
func (c *Conn) Send(text string) error {
	if c.State() != StateOpen {
		return protocol.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := protocol.WriteMessage(c.transport, text); err != nil {
		if c.State() != StateOpen {
			return protocol.ErrNotConnected
		}
		return err
	}
	return nil
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive() (string, error) {
	if c.State() == StateClosed {
		return "", protocol.ErrConnectionClosed
	}

	text, err := protocol.ReadMessage(c.reader)
	if err != nil {
		if c.State() != StateOpen {
			return "", protocol.ErrConnectionClosed
		}
		return "", err
	}
	return text, nil
}

// SetReadDeadline bounds the next Receive. The zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.transport.SetReadDeadline(t)
}

// Close releases the transport exactly once. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeErr = c.transport.Close()
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}
