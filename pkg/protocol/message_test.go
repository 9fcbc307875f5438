package protocol_test

import (
	"testing"

	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Text(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{
			name: "join announcement",
			msg:  protocol.Message{Type: protocol.MessageTypeJoin, Sender: "alice"},
			want: "[+] alice has joined the chat!",
		},
		{
			name: "leave announcement",
			msg:  protocol.Message{Type: protocol.MessageTypeLeave, Sender: "alice"},
			want: "[-] alice has left the chat.",
		},
		{
			name: "chat line",
			msg:  protocol.Message{Type: protocol.MessageTypeText, Sender: "alice", Content: "hi"},
			want: "alice: hi",
		},
		{
			name: "chat line keeps colons in content",
			msg:  protocol.Message{Type: protocol.MessageTypeText, Sender: "bob", Content: "a: b"},
			want: "bob: a: b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Text())
		})
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	msg := protocol.Message{
		Type:    protocol.MessageTypeText,
		Origin:  "6f1c0e1e-6f35-4bd2-9a55-1f0b9d1e1a01",
		Sender:  "user1",
		Content: "Hello, 世界",
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var got protocol.Message
	require.NoError(t, got.Decode(data))
	assert.Equal(t, msg, got)
}

func TestMessage_DecodeInvalidData(t *testing.T) {
	var msg protocol.Message
	err := msg.Decode([]byte{0xFF, 0xFF, 0xFF})
	assert.Error(t, err)
}

func TestMessageType_String(t *testing.T) {
	tests := []struct {
		mt   protocol.MessageType
		want string
	}{
		{protocol.MessageTypeText, "TEXT"},
		{protocol.MessageTypeJoin, "JOIN"},
		{protocol.MessageTypeLeave, "LEAVE"},
		{protocol.MessageType(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mt.String())
		})
	}
}

func TestParseMessageType(t *testing.T) {
	assert.Equal(t, protocol.MessageTypeJoin, protocol.ParseMessageType("JOIN"))
	assert.Equal(t, protocol.MessageTypeLeave, protocol.ParseMessageType("LEAVE"))
	assert.Equal(t, protocol.MessageTypeText, protocol.ParseMessageType("TEXT"))
	// Unknown names degrade to text.
	assert.Equal(t, protocol.MessageTypeText, protocol.ParseMessageType("SHOUT"))
}
