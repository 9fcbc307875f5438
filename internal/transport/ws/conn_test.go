package ws_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce upgrades one connection on path and hands it to handle.
func serveOnce(t *testing.T, path string, handle func(net.Conn) error) (string, <-chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	done := make(chan error, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			done <- err
			return
		}
		defer raw.Close()
		conn, err := ws.Upgrade(raw, path)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- handle(conn)
	}()
	return listener.Addr().String(), done
}

func dial(t *testing.T, addr, path string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.Dial(ctx, addr, path, nil)
	require.NoError(t, err)
	return conn
}

func TestConn_FramedEcho(t *testing.T) {
	addr, done := serveOnce(t, "/chat", func(conn net.Conn) error {
		for i := 0; i < 2; i++ {
			text, err := protocol.ReadMessage(conn)
			if err != nil {
				return err
			}
			if err := protocol.WriteMessage(conn, strings.ToUpper(text)); err != nil {
				return err
			}
		}
		return nil
	})

	conn := dial(t, addr, "/chat")
	defer conn.Close()

	for _, text := range []string{"hello", strings.Repeat("x", protocol.MaxFrameSize)} {
		require.NoError(t, protocol.WriteMessage(conn, text))
		got, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(text), got)
	}
	require.NoError(t, <-done)
}

func TestConn_ReadSpansMessages(t *testing.T) {
	// The header and payload arrive as separate binary messages.
	addr, done := serveOnce(t, "", func(conn net.Conn) error {
		if _, err := conn.Write([]byte{0, 0, 0, 5}); err != nil {
			return err
		}
		_, err := conn.Write([]byte("hello"))
		return err
	})

	conn := dial(t, addr, "/anything")
	defer conn.Close()

	got, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	require.NoError(t, <-done)
}

func TestConn_CloseIsSeenAsEOF(t *testing.T) {
	addr, done := serveOnce(t, "/chat", func(conn net.Conn) error {
		_, err := conn.Read(make([]byte, 16))
		return err
	})

	conn := dial(t, addr, "/chat")
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, <-done, io.EOF)
}

func TestUpgrade_RejectsWrongPath(t *testing.T) {
	addr, done := serveOnce(t, "/chat", func(net.Conn) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ws.Dial(ctx, addr, "/other", nil)

	assert.Error(t, err)
	assert.Error(t, <-done)
}
