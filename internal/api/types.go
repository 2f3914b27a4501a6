package api

import (
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

// GrantRequest is the body of POST /auth-channel.
type GrantRequest struct {
	Channel      string `json:"channel"`
	ConnectionID string `json:"connectionId,omitempty"`
	Realm        string `json:"realm,omitempty"`
}

// Grant authorizes one connection to attach to one channel.
type Grant struct {
	Channel   string    `json:"channel"`
	Grant     string    `json:"grant"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PollResponse is the body of GET /events/poll.
type PollResponse struct {
	Events       []event.Event `json:"events"`
	LatestCursor string        `json:"latestCursor"`
}

// MarkReadRequest is the body of POST /messages/mark-read.
type MarkReadRequest struct {
	MessageID string `json:"messageId"`
}

// TypingRequest is the body of POST /typing.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}
