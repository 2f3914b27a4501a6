// Package event defines the real-time event model shared by transports,
// the router and the consumers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an event for routing.
type Kind string

const (
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
	KindTyping       Kind = "typing"
	KindReadReceipt  Kind = "read_receipt"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindNotification, KindTyping, KindReadReceipt:
		return true
	}
	return false
}

// Deduplicated reports whether events of this kind pass through the
// dedup cache. Typing signals are transient and bypass it.
func (k Kind) Deduplicated() bool {
	return k != KindTyping
}

var (
	ErrMissingID           = errors.New("event id is required")
	ErrMissingConversation = errors.New("conversation id is required")
	ErrUnknownKind         = errors.New("unknown event kind")
)

// Event is a single real-time fact or signal delivered to the client.
type Event struct {
	Kind           Kind            `json:"kind"`
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// Timestamp is assigned by the server; zero when the source did not
	// provide one.
	Timestamp time.Time `json:"timestamp,omitzero"`
	// ReceivedAt is stamped locally when a transport hands the event over.
	ReceivedAt time.Time `json:"-"`
}

// TypingPayload is the payload of a typing event.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// ReadReceipt is the payload of a read_receipt event.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId,omitempty"`
}

// Decode parses a JSON encoded event and validates it.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate checks the structural requirements of each kind.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind.Deduplicated() && e.ID == "" {
		return ErrMissingID
	}
	switch e.Kind {
	case KindMessage, KindTyping, KindReadReceipt:
		if e.ConversationID == "" {
			return ErrMissingConversation
		}
	}
	return nil
}

// Typing decodes the typing flag of a typing event.
func (e Event) Typing() (bool, error) {
	if e.Kind != KindTyping {
		return false, fmt.Errorf("event kind %q is not typing", e.Kind)
	}
	var p TypingPayload
	if len(e.Payload) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return false, fmt.Errorf("unmarshal typing payload: %w", err)
	}
	return p.IsTyping, nil
}

// ReadReceipt decodes the receipt of a read_receipt event. The reader
// defaults to the event sender.
func (e Event) ReadReceipt() (ReadReceipt, error) {
	if e.Kind != KindReadReceipt {
		return ReadReceipt{}, fmt.Errorf("event kind %q is not read_receipt", e.Kind)
	}
	var r ReadReceipt
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return ReadReceipt{}, fmt.Errorf("unmarshal read receipt payload: %w", err)
	}
	if r.ReaderID == "" {
		r.ReaderID = e.SenderID
	}
	if r.MessageID == "" {
		return ReadReceipt{}, errors.New("read receipt without message id")
	}
	return r, nil
}

// NewTyping builds a typing event.
func NewTyping(conversationID, senderID string, isTyping bool) Event {
	payload, _ := json.Marshal(TypingPayload{IsTyping: isTyping})
	return Event{
		Kind:           KindTyping,
		ConversationID: conversationID,
		SenderID:       senderID,
		Channel:        Subscription{Scope: ScopeConversation, OwnerID: conversationID}.Channel(),
		Payload:        payload,
	}
}
