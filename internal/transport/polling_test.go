package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
)

type staticCursor string

func (c staticCursor) Get() string { return string(c) }

func TestPolling_PollsImmediatelyThenOnInterval(t *testing.T) {
	fake := &fakeAPI{pollFn: func(since string, channels []string) (*api.PollResponse, error) {
		if len(channels) != 1 || channels[0] != "private-conversation-c1" {
			t.Errorf("unexpected channels %v", channels)
		}
		return &api.PollResponse{
			Events:       []event.Event{{Kind: event.KindMessage, ID: "m1", ConversationID: "c1"}},
			LatestCursor: "2025-01-01T00:00:00Z",
		}, nil
	}}
	rec := newRecorder()
	p := NewPolling(Config{PollInterval: 50 * time.Millisecond}, fake, staticCursor("c0"),
		[]event.Subscription{conversationSub}, rec, nil)
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if e := rec.nextEvent(t); e.ID != "m1" || e.ReceivedAt.IsZero() {
		t.Errorf("unexpected event %+v", e)
	}
	if c := <-rec.cursor; c != "2025-01-01T00:00:00Z" {
		t.Errorf("cursor = %q", c)
	}

	time.Sleep(180 * time.Millisecond)
	if n := fake.pollCount(); n < 3 {
		t.Errorf("expected repeated polls, got %d", n)
	}
	if got := fake.pollAt(0); got != "c0" {
		t.Errorf("poll should use the cursor source, got %q", got)
	}
}

func TestPolling_FailuresAreNotDrops(t *testing.T) {
	fake := &fakeAPI{pollFn: func(string, []string) (*api.PollResponse, error) {
		return nil, &api.StatusError{Code: 503}
	}}
	rec := newRecorder()
	failures := make(chan error, 8)
	p := NewPolling(Config{PollInterval: 30 * time.Millisecond}, fake, nil,
		[]event.Subscription{conversationSub}, rec, nil)
	p.OnFailure(func(err error) { failures <- err })
	defer p.Close()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case err := <-failures:
		var pe *PollError
		if !errors.As(err, &pe) {
			t.Errorf("expected PollError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure callback not invoked")
	}
	rec.noDrop(t, 100*time.Millisecond)
}

func TestPolling_NoChannelsNoRequests(t *testing.T) {
	fake := &fakeAPI{}
	p := NewPolling(Config{PollInterval: 20 * time.Millisecond}, fake, nil, nil, newRecorder(), nil)
	defer p.Close()
	_ = p.Connect(context.Background())

	time.Sleep(80 * time.Millisecond)
	if fake.pollCount() != 0 {
		t.Errorf("expected no polls without subscriptions, got %d", fake.pollCount())
	}
}

func TestPolling_CloseStopsLoop(t *testing.T) {
	fake := &fakeAPI{}
	p := NewPolling(Config{PollInterval: 20 * time.Millisecond}, fake, nil,
		[]event.Subscription{conversationSub}, newRecorder(), nil)
	_ = p.Connect(context.Background())
	time.Sleep(30 * time.Millisecond)
	_ = p.Close()
	time.Sleep(30 * time.Millisecond)
	n := fake.pollCount()
	time.Sleep(80 * time.Millisecond)
	if fake.pollCount() != n {
		t.Error("polling continued after close")
	}

	var hs *HandshakeError
	if err := p.Connect(context.Background()); !errors.As(err, &hs) {
		t.Errorf("connect after close should fail, got %v", err)
	}
	if err := p.Send(context.Background(), event.Event{}); !errors.Is(err, ErrSendUnsupported) {
		t.Errorf("expected ErrSendUnsupported, got %v", err)
	}
}
