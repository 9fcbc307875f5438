package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/relay-chat/internal/config"
)

// A relay that accepts the stream but never reads leaves the handshake write
// blocked; Disconnect must still end Connect.
func TestSession_DisconnectInterruptsHandshake(t *testing.T) {
	relay, transport := net.Pipe()
	t.Cleanup(func() { relay.Close() })

	cfg := config.Default().Client
	cfg.DialTimeout = 0
	s := New(cfg, nil, zaptest.NewLogger(t))

	dialed := make(chan struct{})
	s.dialer = func(context.Context) (net.Conn, error) {
		close(dialed)
		return transport, nil
	}

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()

	<-dialed
	assert.Equal(t, StateConnecting, s.State())
	s.Disconnect()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateDisconnected, s.State())

	_, err := transport.Write([]byte{0})
	assert.Error(t, err, "transport left open")
}

func TestSession_DialTimeoutInterruptsHandshake(t *testing.T) {
	relay, transport := net.Pipe()
	t.Cleanup(func() { relay.Close() })

	cfg := config.Default().Client
	cfg.DialTimeout = 50 * time.Millisecond
	s := New(cfg, nil, zaptest.NewLogger(t))
	s.dialer = func(context.Context) (net.Conn, error) { return transport, nil }

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()

	select {
	case err := <-result:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not honor the dial timeout")
	}
	assert.Equal(t, StateDisconnected, s.State())
}
