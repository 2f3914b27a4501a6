// Package wire defines the frames exchanged with the streaming relay and
// their JSON and protobuf encodings.
package wire

import (
	"encoding/json"
	"fmt"
)

const (
	SubprotocolJSON     = "json.relay.v1"
	SubprotocolProtobuf = "protobuf.relay.v1"
)

// Frame types.
const (
	TypeSystem     = "system"
	TypeAck        = "ack"
	TypeMessage    = "message"
	TypeJoinGroup  = "joinGroup"
	TypeLeaveGroup = "leaveGroup"
	TypeTyping     = "typing"
	TypePing       = "ping"
	TypePong       = "pong"
)

// System frame events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Frame is one relay message in either direction.
type Frame struct {
	Type         string          `json:"type"`
	Event        string          `json:"event,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Group        string          `json:"group,omitempty"`
	Grant        string          `json:"grant,omitempty"`
	AckID        *uint64         `json:"ackId,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// TypingIntent is the data of an upstream typing frame.
type TypingIntent struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

func Connected(connectionID string) Frame {
	return Frame{Type: TypeSystem, Event: EventConnected, ConnectionID: connectionID}
}

func Disconnected(reason string) Frame {
	return Frame{Type: TypeSystem, Event: EventDisconnected, Reason: reason}
}

func Join(group, grant string, ackID uint64) Frame {
	return Frame{Type: TypeJoinGroup, Group: group, Grant: grant, AckID: &ackID}
}

func Leave(group string) Frame {
	return Frame{Type: TypeLeaveGroup, Group: group}
}

func Ack(ackID uint64, success bool, reason string) Frame {
	return Frame{Type: TypeAck, AckID: &ackID, Success: &success, Reason: reason}
}

// Message wraps an already encoded event for a group.
func Message(group string, data json.RawMessage) Frame {
	return Frame{Type: TypeMessage, Group: group, Data: data}
}

func Typing(group string, intent TypingIntent) (Frame, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal typing intent: %w", err)
	}
	return Frame{Type: TypeTyping, Group: group, Data: data}, nil
}

// Succeeded reports whether an ack frame signals success.
func (f Frame) Succeeded() bool {
	return f.Success != nil && *f.Success
}
