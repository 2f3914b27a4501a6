package server

import (
	"errors"
	"testing"
	"time"
)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		user    string
		channel string
		allowed bool
	}{
		{"u1", "private-user-u1", true},
		{"u1", "private-user-u2", false},
		{"u1", "private-conversation-42", true},
		{"u1", "presence-42", false},
		{"u1", "private-room-42", false},
	}
	for _, tt := range tests {
		err := Authorize(tt.user, tt.channel)
		if (err == nil) != tt.allowed {
			t.Errorf("Authorize(%s, %s) = %v, allowed=%v", tt.user, tt.channel, err, tt.allowed)
		}
		if err != nil && !errors.Is(err, ErrChannelDenied) {
			t.Errorf("expected ErrChannelDenied, got %v", err)
		}
	}
}

func TestGrants_IssueAndVerify(t *testing.T) {
	g, err := NewGrants("", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	token, expires, err := g.Issue("u1", "private-conversation-42", "conn-1", "rental")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("grant already expired at %v", expires)
	}

	user, err := g.Verify(token, "private-conversation-42", "conn-1")
	if err != nil || user != "u1" {
		t.Fatalf("Verify = %q, %v", user, err)
	}
	if _, err := g.Verify(token, "private-conversation-43", "conn-1"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("grant accepted for another channel: %v", err)
	}
	if _, err := g.Verify(token, "private-conversation-42", "conn-2"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("grant accepted on another connection: %v", err)
	}
}

func TestGrants_UnboundGrantWorksOnAnyConnection(t *testing.T) {
	g, _ := NewGrants("secret", time.Minute)
	token, _, err := g.Issue("u1", "private-user-u1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Verify(token, "private-user-u1", ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGrants_RejectsForeignSignature(t *testing.T) {
	a, _ := NewGrants("key-a", time.Minute)
	b, _ := NewGrants("key-b", time.Minute)
	token, _, _ := a.Issue("u1", "private-user-u1", "", "")
	if _, err := b.Verify(token, "private-user-u1", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant, got %v", err)
	}
}

func TestGrants_RejectsExpired(t *testing.T) {
	g, _ := NewGrants("secret", -time.Minute)
	token, _, _ := g.Issue("u1", "private-user-u1", "", "")
	if _, err := g.Verify(token, "private-user-u1", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected expired grant to fail, got %v", err)
	}
}
