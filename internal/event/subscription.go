package event

import (
	"fmt"
	"strings"
)

// Scope is the kind of logical channel a subscription attaches to.
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
)

const channelPrefix = "private-"

// Subscription identifies a logical channel as a (scope, ownerId) pair.
type Subscription struct {
	Scope   Scope
	OwnerID string
}

// Channel returns the relay channel name, e.g. private-conversation-42.
func (s Subscription) Channel() string {
	return channelPrefix + string(s.Scope) + "-" + s.OwnerID
}

func (s Subscription) String() string {
	return s.Channel()
}

// Validate checks scope and owner.
func (s Subscription) Validate() error {
	if s.Scope != ScopeConversation && s.Scope != ScopeUser {
		return fmt.Errorf("invalid scope %q", s.Scope)
	}
	if s.OwnerID == "" {
		return fmt.Errorf("owner id is required for scope %q", s.Scope)
	}
	return nil
}

// ParseChannel is the inverse of Subscription.Channel. Owner ids may
// themselves contain dashes.
func ParseChannel(name string) (Subscription, error) {
	if !strings.HasPrefix(name, channelPrefix) {
		return Subscription{}, fmt.Errorf("channel %q: missing %q prefix", name, channelPrefix)
	}
	scope, owner, ok := strings.Cut(strings.TrimPrefix(name, channelPrefix), "-")
	if !ok {
		return Subscription{}, fmt.Errorf("channel %q: missing owner", name)
	}
	sub := Subscription{Scope: Scope(scope), OwnerID: owner}
	if err := sub.Validate(); err != nil {
		return Subscription{}, fmt.Errorf("channel %q: %w", name, err)
	}
	return sub, nil
}

// Matches reports whether e belongs to this subscription. Events that
// carry a channel match on it; otherwise conversation subscriptions take
// conversation-bound events and user subscriptions take notifications.
func (s Subscription) Matches(e Event) bool {
	if e.Channel != "" {
		return e.Channel == s.Channel()
	}
	switch s.Scope {
	case ScopeConversation:
		return e.Kind != KindNotification && e.ConversationID == s.OwnerID
	case ScopeUser:
		return e.Kind == KindNotification
	}
	return false
}

// Channels returns the channel names of subs, preserving order.
func Channels(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Channel())
	}
	return out
}
