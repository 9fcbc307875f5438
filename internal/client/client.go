// Package client implements the chat client session: it dials the relay,
// announces the alias and feeds every received line to a callback.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/transport/tcp"
	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

var (
	// ErrAlreadyConnected is returned by Connect on a session that is not disconnected.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrConnectAborted is returned by Connect when Disconnect interrupts it.
	ErrConnectAborted = errors.New("connect aborted")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Session is one client connection to the relay.
type Session struct {
	cfg       config.ClientConfig
	onMessage func(string)
	logger    *zap.Logger

	dialer func(context.Context) (net.Conn, error)

	mu      sync.Mutex
	state   State
	attempt uint64
	conn    *chat.Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Session. onMessage is called from the receive goroutine for
// every line, in delivery order, and may call Disconnect.
func New(cfg config.ClientConfig, onMessage func(string), logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onMessage == nil {
		onMessage = func(string) {}
	}
	s := &Session{
		cfg:       cfg,
		onMessage: onMessage,
		logger:    logger.With(zap.String("alias", cfg.Alias)),
	}
	s.dialer = s.dial
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the relay, sends the handshake and starts receiving.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	var dialCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	s.attempt++
	attempt := s.attempt
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	transport, err := s.dialer(dialCtx)
	if err != nil {
		s.abortConnect(attempt)
		if errors.Is(dialCtx.Err(), context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", ErrConnectAborted, err)
		}
		return err
	}

	// Disconnect or the dial timeout must also interrupt the handshake write.
	conn := chat.NewConn(transport)
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	err = conn.Send(protocol.HandshakeText(s.cfg.Alias))
	if !stop() {
		conn.Close()
		s.abortConnect(attempt)
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.Canceled) {
			return ErrConnectAborted
		}
		return fmt.Errorf("failed to send handshake: %w", dialCtx.Err())
	}
	if err != nil {
		conn.Close()
		s.abortConnect(attempt)
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting || s.attempt != attempt {
		s.mu.Unlock()
		conn.Close()
		return ErrConnectAborted
	}
	done := make(chan struct{})
	s.state = StateConnected
	s.conn = conn
	s.cancel = nil
	s.done = done
	s.mu.Unlock()

	s.logger.Info("connected",
		zap.String("addr", s.cfg.Address()),
		zap.String("transport", s.transportName()),
		zap.Bool("tls", s.cfg.TLS))

	go s.receiveLoop(conn, done)
	return nil
}

// Send sends one chat line. It fails with protocol.ErrNotConnected unless the
// session is connected; write errors are returned and do not end the session.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return protocol.ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	return conn.Send(text)
}

// Disconnect ends the session. It is idempotent, cancels a dial in progress
// and never waits for the receive goroutine; use Done for that.
func (s *Session) Disconnect() {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		cancel := s.cancel
		s.cancel = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	case StateConnected:
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnecting
		s.mu.Unlock()

		conn.Close()
		s.logger.Info("disconnected")

		s.mu.Lock()
		if s.state == StateDisconnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// Done is closed when the receive goroutine of the latest connection returns.
// It is already closed for a session that never connected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.done
}

func (s *Session) receiveLoop(conn *chat.Conn, done chan struct{}) {
	defer close(done)

	for {
		text, err := conn.Receive()
		if err != nil {
			s.mu.Lock()
			lost := s.conn == conn
			if lost {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			conn.Close()

			if !lost {
				return
			}
			if errors.Is(err, protocol.ErrConnectionClosed) {
				s.logger.Info("relay closed the connection")
			} else {
				s.logger.Warn("connection lost", zap.Error(err))
			}
			s.onMessage(protocol.DisconnectedNotice)
			return
		}
		s.onMessage(text)
	}
}

func (s *Session) abortConnect(attempt uint64) {
	s.mu.Lock()
	if s.attempt == attempt && s.state == StateConnecting {
		s.state = StateDisconnected
		s.cancel = nil
	}
	s.mu.Unlock()
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	var tlsConfig *tls.Config
	if s.cfg.TLS {
		tlsConfig = tcp.ClientTLSConfig()
	}

	switch s.transportName() {
	case "tcp":
		return tcp.Dial(ctx, s.cfg.Address(), tlsConfig)
	case "ws":
		return ws.Dial(ctx, s.cfg.Address(), s.cfg.WebSocketPath, tlsConfig)
	default:
		return nil, fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}
}

func (s *Session) transportName() string {
	if s.cfg.Transport == "" {
		return "tcp"
	}
	return s.cfg.Transport
}
