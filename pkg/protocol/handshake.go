package protocol

import (
	"fmt"
	"strings"
)

// HandshakePrefix starts the first frame on every connection.
const HandshakePrefix = "__alias__:"

// MaxAliasSize is the longest alias, in bytes, kept from a handshake.
// Longer aliases are truncated.
const MaxAliasSize = 64

// HandshakeText returns the handshake record announcing alias.
func HandshakeText(alias string) string {
	return HandshakePrefix + alias
}

// ParseHandshake extracts the alias from a handshake record.
//
// In tolerant mode the alias is whatever follows the first ':' (trimmed), or the
// whole trimmed text when there is no ':'. Strict mode requires the literal
// prefix and a non-empty alias. Aliases are cut to MaxAliasSize bytes.
func ParseHandshake(text string, strict bool) (string, error) {
	alias, err := parseAlias(text, strict)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(Truncate(alias, MaxAliasSize)), nil
}

func parseAlias(text string, strict bool) (string, error) {
	if strict {
		rest, ok := strings.CutPrefix(text, HandshakePrefix)
		if !ok {
			return "", fmt.Errorf("%w: missing %q prefix", ErrHandshake, HandshakePrefix)
		}
		alias := strings.TrimSpace(rest)
		if alias == "" {
			return "", fmt.Errorf("%w: empty alias", ErrHandshake)
		}
		return alias, nil
	}

	if _, rest, ok := strings.Cut(text, ":"); ok {
		return strings.TrimSpace(rest), nil
	}
	return strings.TrimSpace(text), nil
}
