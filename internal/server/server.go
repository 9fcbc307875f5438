// Package server runs the relay listener and hands each accepted connection to
// a chat.Hub. Raw framed TCP and WebSocket clients share one port; the first
// bytes of a connection decide which one it is.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/transport/tcp"
	"github.com/omochice/relay-chat/internal/transport/ws"
)

// ErrServerClosed is returned by Listen and Serve after Stop.
var ErrServerClosed = errors.New("server closed")

const maxAcceptDelay = time.Second

// Server represents the relay listener
type Server struct {
	cfg    config.ServerConfig
	hub    *chat.Hub
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Server instance
func New(cfg config.ServerConfig, hub *chat.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
		quit:   make(chan struct{}),
	}
}

// Listen binds the listening socket without accepting connections.
func (s *Server) Listen() error {
	var tlsConfig *tls.Config
	if s.cfg.TLS.Enabled {
		var err error
		tlsConfig, err = tcp.ServerTLSConfig(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
	}

	listener, err := tcp.Listen(s.cfg.Address(), tlsConfig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("relay listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Bool("websocket", s.cfg.WebSocket.Enabled))
	return nil
}

// Serve accepts connections until Stop is called. It returns nil after Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return fmt.Errorf("server is not listening")
	}

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			delay = nextAcceptDelay(delay)
			s.logger.Warn("failed to accept connection", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-s.quit:
				return nil
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handleConnection(conn)
	}
}

// Start listens and serves, blocking until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every connection, then waits for all
// connection handlers to return. Clients are not sent leave announcements.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		s.stopped = true
		listener := s.listener
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		s.hub.Shutdown()
		// Connections still in the handshake are not known to the hub.
		for _, c := range conns {
			c.Close()
		}

		s.wg.Wait()
		s.logger.Info("relay stopped")
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()
	defer s.untrack(raw)

	log := s.logger.With(zap.String("remote", raw.RemoteAddr().String()))

	transport, err := s.negotiate(raw)
	if err != nil {
		log.Debug("connection rejected", zap.Error(err))
		raw.Close()
		return
	}

	conn := chat.NewConn(transport, chat.WithWriteTimeout(s.cfg.WriteTimeout))
	if err := s.hub.Serve(conn); err != nil {
		log.Debug("connection ended", zap.String("conn", conn.ID()), zap.Error(err))
	}
}

// negotiate returns the stream the chat framing runs on: the raw connection,
// or an upgraded WebSocket when the client opened with an HTTP request.
func (s *Server) negotiate(raw net.Conn) (net.Conn, error) {
	if !s.cfg.WebSocket.Enabled {
		return raw, nil
	}

	if s.cfg.HandshakeTimeout > 0 {
		if err := raw.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
			return nil, err
		}
	}

	proto, reader, err := detectProtocol(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to detect protocol: %w", err)
	}

	var transport net.Conn = newBufferedConn(raw, reader)
	if proto == protocolHTTP {
		wsConn, err := ws.Upgrade(transport, s.cfg.WebSocket.Path)
		if err != nil {
			return nil, err
		}
		transport = wsConn
	}

	if s.cfg.HandshakeTimeout > 0 {
		if err := raw.SetDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("protocol detected",
		zap.String("remote", raw.RemoteAddr().String()),
		zap.Stringer("protocol", proto))
	return transport, nil
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}
