// Package activity mirrors relay events into an external store without ever
// blocking the relay.
package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// DefaultQueueSize is used when a non-positive queue size is given.
const DefaultQueueSize = 256

const applyTimeout = 2 * time.Second

// Store applies one relay event.
type Store interface {
	Apply(ctx context.Context, msg protocol.Message) error
	Close() error
}

// Tap is a chat.Observer that queues events for a single worker goroutine.
// When the queue is full events are dropped and counted.
type Tap struct {
	store  Store
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan protocol.Message

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
}

// NewTap starts the worker. Close must be called to stop it.
func NewTap(store Store, queueSize int, logger *zap.Logger) *Tap {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tap{
		store:  store,
		logger: logger,
		events: make(chan protocol.Message, queueSize),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Record enqueues msg. It never blocks.
func (t *Tap) Record(msg protocol.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.events <- msg:
	default:
		n := t.dropped.Add(1)
		t.logger.Warn("activity queue full, event dropped",
			zap.Stringer("type", msg.Type),
			zap.String("conn", msg.Origin),
			zap.Int64("dropped", n))
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (t *Tap) Dropped() int64 {
	return t.dropped.Load()
}

// Close stops accepting events, drains the queue and closes the store.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()

		<-t.done
		t.closeErr = t.store.Close()
	})
	return t.closeErr
}

func (t *Tap) run() {
	defer close(t.done)

	for msg := range t.events {
		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		err := t.store.Apply(ctx, msg)
		cancel()
		if err != nil {
			t.logger.Warn("failed to record activity",
				zap.Stringer("type", msg.Type),
				zap.String("conn", msg.Origin),
				zap.Error(err))
		}
	}
}
