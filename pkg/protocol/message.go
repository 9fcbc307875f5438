package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DisconnectedNotice is delivered to a client's consumer when the relay goes away.
const DisconnectedNotice = "[!] Disconnected from server."

// MessageType represents the type of message
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeJoin
	MessageTypeLeave
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// ParseMessageType is the inverse of MessageType.String.
// Unknown names degrade to MessageTypeText.
func ParseMessageType(s string) MessageType {
	switch s {
	case "JOIN":
		return MessageTypeJoin
	case "LEAVE":
		return MessageTypeLeave
	default:
		return MessageTypeText
	}
}

// Message is one relay event: a join, a leave, or a chat line from Sender.
type Message struct {
	Type    MessageType
	Origin  string
	Sender  string
	Content string
}

// Text renders the line the relay puts on the wire for this message.
func (m Message) Text() string {
	switch m.Type {
	case MessageTypeJoin:
		return fmt.Sprintf("[+] %s has joined the chat!", m.Sender)
	case MessageTypeLeave:
		return fmt.Sprintf("[-] %s has left the chat.", m.Sender)
	default:
		return fmt.Sprintf("%s: %s", m.Sender, m.Content)
	}
}

// Encode encodes the message into bytes using protobuf
func (m *Message) Encode() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"type":    m.Type.String(),
		"origin":  m.Origin,
		"sender":  m.Sender,
		"content": m.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into a message using protobuf
func (m *Message) Decode(data []byte) error {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	fields := s.GetFields()
	m.Type = ParseMessageType(fields["type"].GetStringValue())
	m.Origin = fields["origin"].GetStringValue()
	m.Sender = fields["sender"].GetStringValue()
	m.Content = fields["content"].GetStringValue()
	return nil
}
