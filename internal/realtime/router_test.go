package realtime

import (
	"encoding/json"
	"testing"

	"github.com/dgnsrekt/rental-realtime/internal/dedup"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/receipts"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

func newTestRouter(t *testing.T) *Router {
	tt := typing.NewTracker(0, nil)
	t.Cleanup(tt.Close)
	return NewRouter("me", dedup.New(dedup.Options{}), tt, receipts.NewTracker("me", nil, nil), nil, nil)
}

func TestRouter_DispatchesByKindAndSubscription(t *testing.T) {
	r := newTestRouter(t)
	var conv, user collector
	r.Register(event.Subscription{Scope: event.ScopeConversation, OwnerID: "c1"}, conv.handlers())
	r.Register(event.Subscription{Scope: event.ScopeUser, OwnerID: "me"}, user.handlers())

	r.Route(message("m1", at(1)))
	r.Route(event.Event{Kind: event.KindMessage, ID: "m2", ConversationID: "c2"})
	r.Route(event.Event{Kind: event.KindNotification, ID: "n1", Channel: "private-user-me"})

	if ids := conv.messageIDs(); len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("conversation consumer got %v", ids)
	}
	if len(user.messageIDs()) != 0 {
		t.Error("user consumer should not receive messages")
	}
	user.mu.Lock()
	notes := len(user.notes)
	user.mu.Unlock()
	if notes != 1 {
		t.Errorf("user consumer got %d notifications", notes)
	}
}

func TestRouter_DedupsButNotTyping(t *testing.T) {
	r := newTestRouter(t)
	var c collector
	r.Register(event.Subscription{Scope: event.ScopeConversation, OwnerID: "c1"}, c.handlers())

	if !r.Route(message("m1", at(1))) {
		t.Fatal("first delivery should dispatch")
	}
	if r.Route(message("m1", at(1))) {
		t.Error("duplicate should be discarded")
	}

	on := event.NewTyping("c1", "guest", true)
	off := event.NewTyping("c1", "guest", false)
	r.Route(on)
	r.Route(off)
	r.Route(on)
	if seq := c.typingSeq(); len(seq) != 3 {
		t.Errorf("typing events must bypass dedup, got %v", seq)
	}
}

func TestRouter_RejectsInvalid(t *testing.T) {
	r := newTestRouter(t)
	if r.Route(event.Event{Kind: event.KindMessage, ConversationID: "c1"}) {
		t.Error("event without id should be dropped")
	}
	if r.Route(event.Event{Kind: "presence", ID: "p1"}) {
		t.Error("unknown kind should be dropped")
	}
}

func TestRouter_ReceiptOncePerReader(t *testing.T) {
	r := newTestRouter(t)
	var c collector
	r.Register(event.Subscription{Scope: event.ScopeConversation, OwnerID: "c1"}, c.handlers())

	payload, _ := json.Marshal(event.ReadReceipt{MessageID: "m1"})
	e := event.Event{Kind: event.KindReadReceipt, ID: "r1", ConversationID: "c1", SenderID: "guest", Payload: payload}
	r.Route(e)
	e.ID = "r2"
	r.Route(e)

	if n := c.receiptCount(); n != 1 {
		t.Errorf("receipts dispatched %d times", n)
	}
	if got := c.receipts[0]; got.ReaderID != "guest" || got.MessageID != "m1" {
		t.Errorf("receipt %+v", got)
	}
}

func TestRouter_SubscriptionsDistinct(t *testing.T) {
	r := newTestRouter(t)
	sub := event.Subscription{Scope: event.ScopeConversation, OwnerID: "c1"}
	id := r.Register(sub, Handlers{})
	r.Register(sub, Handlers{})
	r.Register(event.Subscription{Scope: event.ScopeUser, OwnerID: "me"}, Handlers{})

	if got := r.Subscriptions(); len(got) != 2 {
		t.Errorf("subscriptions = %v", got)
	}
	if !r.Unregister(id) || r.Unregister(id) {
		t.Error("unregister should succeed exactly once")
	}
	if got := r.Subscriptions(); len(got) != 2 {
		t.Errorf("shared subscription should remain, got %v", got)
	}
}
