package event

import (
	"errors"
	"testing"
	"time"
)

func TestDecode_Message(t *testing.T) {
	raw := []byte(`{"kind":"message","id":"m1","conversationId":"c1","senderId":"u2","payload":{"text":"hi"},"timestamp":"2025-01-02T03:04:05.000000006Z"}`)

	e, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind != KindMessage || e.ID != "m1" || e.ConversationID != "c1" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Timestamp.Nanosecond() != 6 {
		t.Errorf("expected nanosecond precision, got %v", e.Timestamp)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown kind", `{"kind":"presence","id":"x"}`, ErrUnknownKind},
		{"message without id", `{"kind":"message","conversationId":"c1"}`, ErrMissingID},
		{"typing without conversation", `{"kind":"typing","senderId":"u1"}`, ErrMissingConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecode_TypingNeedsNoID(t *testing.T) {
	e, err := Decode([]byte(`{"kind":"typing","conversationId":"c1","senderId":"u2","payload":{"isTyping":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	typing, err := e.Typing()
	if err != nil || !typing {
		t.Errorf("expected typing=true, got %v (err %v)", typing, err)
	}
}

func TestReadReceipt_DefaultsReaderToSender(t *testing.T) {
	e := Event{Kind: KindReadReceipt, ID: "r1", ConversationID: "c1", SenderID: "u9", Payload: []byte(`{"messageId":"m1"}`)}

	r, err := e.ReadReceipt()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ReaderID != "u9" || r.MessageID != "m1" {
		t.Errorf("unexpected receipt: %+v", r)
	}
}

func TestNewTyping(t *testing.T) {
	e := NewTyping("c1", "u1", false)
	if e.Channel != "private-conversation-c1" {
		t.Errorf("unexpected channel %s", e.Channel)
	}
	if typing, _ := e.Typing(); typing {
		t.Error("expected typing=false")
	}
	if err := e.Validate(); err != nil {
		t.Errorf("expected valid typing event, got %v", err)
	}
}

func TestParseChannel(t *testing.T) {
	sub, err := ParseChannel("private-conversation-3f2a-77b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Scope != ScopeConversation || sub.OwnerID != "3f2a-77b1" {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if sub.Channel() != "private-conversation-3f2a-77b1" {
		t.Errorf("round trip mismatch: %s", sub.Channel())
	}

	for _, bad := range []string{"presence-user-1", "private-user", "private-room-1", "private-user-"} {
		if _, err := ParseChannel(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSubscriptionMatches(t *testing.T) {
	conv := Subscription{Scope: ScopeConversation, OwnerID: "c1"}
	user := Subscription{Scope: ScopeUser, OwnerID: "u1"}

	msg := Event{Kind: KindMessage, ID: "m1", ConversationID: "c1"}
	note := Event{Kind: KindNotification, ID: "n1"}
	other := Event{Kind: KindMessage, ID: "m2", ConversationID: "c2"}
	channelled := Event{Kind: KindNotification, ID: "n2", Channel: "private-user-u1"}

	if !conv.Matches(msg) || conv.Matches(note) || conv.Matches(other) {
		t.Error("conversation subscription matched wrong events")
	}
	if user.Matches(msg) || !user.Matches(note) || !user.Matches(channelled) {
		t.Error("user subscription matched wrong events")
	}
	if conv.Matches(channelled) {
		t.Error("explicit channel should take precedence")
	}
}

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCursor(FormatCursor(base))

	if !c.Advance(FormatCursor(base.Add(10 * time.Second))) {
		t.Fatal("expected cursor to advance")
	}
	if c.Advance(FormatCursor(base.Add(5 * time.Second))) {
		t.Error("cursor moved backwards")
	}
	if c.Advance("") {
		t.Error("empty candidate should be ignored")
	}
	if c.Get() != FormatCursor(base.Add(10*time.Second)) {
		t.Errorf("unexpected cursor %s", c.Get())
	}

	if !c.Covers(base.Add(3 * time.Second)) {
		t.Error("expected earlier timestamp to be covered")
	}
	if c.Covers(base.Add(11 * time.Second)) {
		t.Error("later timestamp must not be covered")
	}
	if c.Covers(time.Time{}) {
		t.Error("zero timestamp must never be covered")
	}
}

func TestCompareCursors_MixedPrecision(t *testing.T) {
	// RFC3339Nano trims trailing zeros, so byte order alone would be wrong.
	a := "2025-01-01T00:00:00.5Z"
	b := "2025-01-01T00:00:00Z"
	if CompareCursors(a, b) <= 0 {
		t.Errorf("expected %s after %s", a, b)
	}
	if CompareCursors("", a) >= 0 {
		t.Error("empty cursor should sort first")
	}
	if CompareCursors("opaque-b", "opaque-a") <= 0 {
		t.Error("opaque cursors should fall back to byte order")
	}
}
