package protocol_test

import (
	"strings"
	"testing"

	"github.com/omochice/relay-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshake_Tolerant(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "well formed", text: "__alias__:alice", want: "alice"},
		{name: "surrounding whitespace", text: "__alias__:  bob \n", want: "bob"},
		{name: "alias containing colon", text: "__alias__:c:3po", want: "c:3po"},
		{name: "foreign prefix", text: "nick:carol", want: "carol"},
		{name: "no prefix at all", text: "  dave  ", want: "dave"},
		{name: "empty alias", text: "__alias__:", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.ParseHandshake(tt.text, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHandshake_Strict(t *testing.T) {
	got, err := protocol.ParseHandshake(protocol.HandshakeText(" alice "), true)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)

	for _, text := range []string{"alice", "nick:alice", "__alias__:", "__alias__:   "} {
		_, err := protocol.ParseHandshake(text, true)
		assert.ErrorIs(t, err, protocol.ErrHandshake, "text %q", text)
	}
}

func TestParseHandshake_TruncatesLongAlias(t *testing.T) {
	got, err := protocol.ParseHandshake(protocol.HandshakeText(strings.Repeat("a", 1000)), false)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", protocol.MaxAliasSize), got)

	// 63 ASCII bytes then a 3-byte rune straddling the limit.
	alias := strings.Repeat("b", protocol.MaxAliasSize-1) + "語"
	got, err = protocol.ParseHandshake(protocol.HandshakeText(alias), true)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", protocol.MaxAliasSize-1), got)
}
