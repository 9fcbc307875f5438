package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// ErrHubClosed is returned by Serve once Shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// DefaultSendQueueSize is the number of lines buffered per connection.
const DefaultSendQueueSize = 64

// Observer receives every relay event. Implementations must not block.
type Observer interface {
	Record(msg protocol.Message)
}

type nopObserver struct{}

func (nopObserver) Record(protocol.Message) {}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithObserver attaches an activity observer.
func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithStrictHandshake requires the literal alias prefix on the first frame.
func WithStrictHandshake(strict bool) HubOption {
	return func(h *Hub) { h.strict = strict }
}

// WithSendQueueSize sets how many outbound lines each connection may have
// pending. A connection whose queue is full is dropped.
func WithSendQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithHandshakeTimeout bounds the wait for the first frame.
func WithHandshakeTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.handshakeTimeout = d }
}

// member is a registered connection and its outbound queue.
type member struct {
	conn  *Conn
	alias string
	queue chan string
	quit  chan struct{}
	done  chan struct{}
}

// Hub manages all registered connections and handles broadcast.
// Both TCP and WebSocket connections share a single Hub instance.
// Each registered connection is written by its own goroutine.
type Hub struct {
	mu      sync.Mutex
	clients map[*Conn]*member
	closing bool

	logger           *zap.Logger
	observer         Observer
	strict           bool
	handshakeTimeout time.Duration
	queueSize        int
}

// NewHub creates a new Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[*Conn]*member),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		queueSize: DefaultSendQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs one connection from handshake to teardown and blocks until it ends.
// It always closes conn before returning.
func (h *Hub) Serve(conn *Conn) error {
	log := h.logger.With(zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))

	alias, err := h.handshake(conn)
	if err != nil {
		log.Debug("handshake failed", zap.Error(err))
		_ = conn.Close()
		return err
	}
	log = log.With(zap.String("alias", alias))

	m, ok := h.register(conn, alias)
	if !ok {
		_ = conn.Close()
		return ErrHubClosed
	}
	defer h.teardown(m, log)

	log.Info("client joined")
	h.announce(protocol.Message{Type: protocol.MessageTypeJoin, Origin: conn.ID(), Sender: alias}, conn)

	for {
		text, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				log.Debug("connection closed", zap.Error(err))
				return nil
			}
			log.Warn("dropping connection", zap.Error(err))
			return err
		}
		log.Debug("message received", zap.String("text", text))
		h.announce(protocol.Message{
			Type:    protocol.MessageTypeText,
			Origin:  conn.ID(),
			Sender:  alias,
			Content: text,
		}, conn)
	}
}

// Broadcast queues text for every registered connection except exclude and
// returns how many queues accepted it. Text longer than a frame is truncated.
// A connection whose queue is full, or whose write later fails, is removed and
// closed; the rest still receive the message.
func (h *Hub) Broadcast(text string, exclude *Conn) int {
	if len(text) > protocol.MaxFrameSize {
		h.logger.Debug("truncating oversize line", zap.Int("size", len(text)))
		text = protocol.Truncate(text, protocol.MaxFrameSize)
	}

	queued := 0
	for _, m := range h.snapshot(exclude) {
		select {
		case m.queue <- text:
			queued++
		default:
			h.logger.Warn("send queue full, dropping connection",
				zap.String("conn", m.conn.ID()),
				zap.String("remote", m.conn.RemoteAddr()),
				zap.String("alias", m.alias))
			h.drop(m.conn)
		}
	}
	return queued
}

// Shutdown refuses new registrations and closes every registered connection.
// Leave announcements are suppressed while shutting down.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	h.logger.Info("hub shut down", zap.Int("closed", len(conns)))
}

// ClientCount returns number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Aliases returns the aliases of all registered connections in no particular order.
func (h *Hub) Aliases() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	aliases := make([]string, 0, len(h.clients))
	for _, m := range h.clients {
		aliases = append(aliases, m.alias)
	}
	return aliases
}

func (h *Hub) handshake(conn *Conn) (string, error) {
	if h.handshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
			return "", fmt.Errorf("%w: %w", protocol.ErrHandshake, err)
		}
	}

	text, err := conn.Receive()
	if err != nil {
		return "", fmt.Errorf("%w: %w", protocol.ErrHandshake, err)
	}
	alias, err := protocol.ParseHandshake(text, h.strict)
	if err != nil {
		return "", err
	}

	if h.handshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return "", fmt.Errorf("%w: %w", protocol.ErrHandshake, err)
		}
	}
	return alias, nil
}

func (h *Hub) announce(msg protocol.Message, exclude *Conn) {
	h.Broadcast(msg.Text(), exclude)
	h.observer.Record(msg)
}

func (h *Hub) register(conn *Conn, alias string) (*member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil, false
	}
	m := &member{
		conn:  conn,
		alias: alias,
		queue: make(chan string, h.queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.clients[conn] = m
	go h.write(m)
	return m, true
}

// remove reports whether conn was still registered. It stops the writer.
func (h *Hub) remove(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.clients[conn]
	if !ok {
		return false
	}
	delete(h.clients, conn)
	close(m.quit)
	return true
}

// drop removes conn and closes it so its Serve loop ends.
func (h *Hub) drop(conn *Conn) {
	h.remove(conn)
	_ = conn.Close()
}

func (h *Hub) snapshot(exclude *Conn) []*member {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := make([]*member, 0, len(h.clients))
	for c, m := range h.clients {
		if c != exclude {
			members = append(members, m)
		}
	}
	return members
}

// write drains m.queue until the member is removed or a write fails.
func (h *Hub) write(m *member) {
	defer close(m.done)

	for {
		select {
		case <-m.quit:
			return
		case text := <-m.queue:
			if err := m.conn.Send(text); err != nil {
				h.logger.Warn("write failed, dropping connection",
					zap.String("conn", m.conn.ID()),
					zap.String("remote", m.conn.RemoteAddr()),
					zap.String("alias", m.alias),
					zap.Error(err))
				h.drop(m.conn)
				return
			}
		}
	}
}

func (h *Hub) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// teardown runs once per served connection, whichever path ended it.
func (h *Hub) teardown(m *member, log *zap.Logger) {
	h.drop(m.conn)
	<-m.done
	log.Info("client left")

	msg := protocol.Message{Type: protocol.MessageTypeLeave, Origin: m.conn.ID(), Sender: m.alias}
	if h.isClosing() {
		h.observer.Record(msg)
		return
	}
	h.announce(msg, nil)
}
