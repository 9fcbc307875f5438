// Package protocol implements the chat wire format: length-prefixed UTF-8 frames,
// the alias handshake, and the relay's announcement lines.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the width of the big-endian length prefix.
	HeaderSize = 4

	// MaxFrameSize is the largest payload a receiver will buffer.
	MaxFrameSize = 1024
)

var (
	// ErrConnectionClosed reports peer EOF or a closed transport.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFraming reports a frame that cannot be trusted. It is always fatal to the connection.
	ErrFraming = errors.New("framing error")

	// ErrFrameTooLarge reports a payload above MaxFrameSize.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrFraming, MaxFrameSize)

	// ErrInvalidUTF8 reports a payload that is not valid UTF-8.
	ErrInvalidUTF8 = fmt.Errorf("%w: payload is not valid UTF-8", ErrFraming)

	// ErrNotConnected reports an operation attempted outside the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrHandshake reports a missing or invalid first frame.
	ErrHandshake = errors.New("handshake failed")
)

// WriteFrame writes payload behind its 4-byte length prefix with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w (got %d)", ErrFrameTooLarge, len(payload))
	}

	packet := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(packet[:HeaderSize], uint32(len(payload)))
	copy(packet[HeaderSize:], payload)

	if _, err := w.Write(packet); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its payload.
//
// A declared length above MaxFrameSize is clamped: only MaxFrameSize bytes are
// consumed and ErrFrameTooLarge is returned. The rest of the declared payload is
// left on the stream, so the caller must close the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, closedError(err)
	}

	declared := binary.BigEndian.Uint32(header)
	n := declared
	if n > MaxFrameSize {
		n = MaxFrameSize
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedError(err)
	}

	if declared > MaxFrameSize {
		return nil, fmt.Errorf("%w (declared %d)", ErrFrameTooLarge, declared)
	}
	return payload, nil
}

// DecodeMessage converts a frame payload into message text.
func DecodeMessage(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}
	return string(payload), nil
}

// WriteMessage encodes text as one frame.
func WriteMessage(w io.Writer, text string) error {
	return WriteFrame(w, []byte(text))
}

// Truncate shortens text to at most n bytes without splitting a rune.
func Truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// ReadMessage reads one frame and decodes it as text.
func ReadMessage(r io.Reader) (string, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return "", err
	}
	return DecodeMessage(payload)
}

func closedError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}
