package chat_test

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingConn counts Close calls on the wrapped transport.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// failingConn fails every write.
type failingConn struct {
	net.Conn
}

func (c *failingConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestConn_SendReceive(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	a := chat.NewConn(server)
	b := chat.NewConn(client)
	defer a.Close()

	go func() {
		_ = a.Send("hello")
	}()

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestConn_ConcurrentSendsDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := chat.NewConn(server)
	defer conn.Close()

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, conn.Send(fmt.Sprintf("message-%02d", i)))
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < senders; i++ {
		text, err := protocol.ReadMessage(client)
		require.NoError(t, err)
		seen[text] = true
	}
	wg.Wait()

	assert.Len(t, seen, senders)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	transport := &countingConn{Conn: server}
	conn := chat.NewConn(transport)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transport.closes.Load())
	assert.Equal(t, chat.StateClosed, conn.State())
}

func TestConn_SendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := chat.NewConn(server)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send("late"), protocol.ErrNotConnected)
}

func TestConn_CloseInterruptsReceive(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := chat.NewConn(server)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Receive()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive was not interrupted by Close")
	}

	_, err := conn.Receive()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestConn_WriteTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	// Nobody reads from client, so the write can only end by deadline.
	conn := chat.NewConn(server, chat.WithWriteTimeout(50*time.Millisecond))
	defer conn.Close()

	err := conn.Send("stuck")
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestConn_Identity(t *testing.T) {
	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := chat.NewConn(s1)
	b := chat.NewConn(s2)
	defer a.Close()
	defer b.Close()

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.RemoteAddr())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", chat.StateOpen.String())
	assert.Equal(t, "closing", chat.StateClosing.String())
	assert.Equal(t, "closed", chat.StateClosed.String())
}
