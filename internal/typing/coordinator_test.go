package typing

import (
	"sync"
	"testing"
	"time"
)

type emission struct {
	conversationID string
	isTyping       bool
}

type recorder struct {
	mu  sync.Mutex
	got []emission
}

func (r *recorder) emit(conversationID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, emission{conversationID, isTyping})
}

func (r *recorder) snapshot() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission(nil), r.got...)
}

func TestNewCoordinator_Defaults(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{})
	if c.quiet != DefaultQuietPeriod {
		t.Errorf("quiet = %v, want %v", c.quiet, DefaultQuietPeriod)
	}
	c.Keystroke("c1") // nil Emit must be safe
	c.Close()
}

func TestCoordinator_FirstKeystrokeEmitsImmediately(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: time.Hour, Emit: rec.emit})
	defer c.Close()

	c.Keystroke("c1")

	got := rec.snapshot()
	if len(got) != 1 || got[0] != (emission{"c1", true}) {
		t.Fatalf("expected immediate typing=true, got %+v", got)
	}
	if !c.Active("c1") {
		t.Error("expected conversation to be active")
	}
}

func TestCoordinator_SuppressesWhileTyping(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: 80 * time.Millisecond, Emit: rec.emit})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Keystroke("c1")
		time.Sleep(20 * time.Millisecond)
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected a single emission while typing, got %+v", got)
	}

	time.Sleep(200 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 2 || got[1] != (emission{"c1", false}) {
		t.Fatalf("expected typing=false after quiet period, got %+v", got)
	}
	if c.Active("c1") {
		t.Error("expected conversation to be idle")
	}
}

func TestCoordinator_NewPulseAfterIdle(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: 30 * time.Millisecond, Emit: rec.emit})
	defer c.Close()

	c.Keystroke("c1")
	time.Sleep(100 * time.Millisecond)
	c.Keystroke("c1")

	got := rec.snapshot()
	want := []emission{{"c1", true}, {"c1", false}, {"c1", true}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emission %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCoordinator_ConversationsIndependent(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: time.Hour, Emit: rec.emit})
	defer c.Close()

	c.Keystroke("c1")
	c.Keystroke("c2")
	c.Keystroke("c1")

	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("expected one pulse per conversation, got %+v", got)
	}
}

func TestCoordinator_StopEmitsFalse(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: time.Hour, Emit: rec.emit})
	defer c.Close()

	c.Stop("c1") // idle: nothing
	c.Keystroke("c1")
	c.Stop("c1")

	got := rec.snapshot()
	if len(got) != 2 || got[1] != (emission{"c1", false}) {
		t.Fatalf("unexpected emissions %+v", got)
	}
}

func TestCoordinator_CloseCancelsTimers(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(CoordinatorConfig{QuietPeriod: 20 * time.Millisecond, Emit: rec.emit})

	c.Keystroke("c1")
	c.Close()
	c.Close()
	time.Sleep(60 * time.Millisecond)
	c.Keystroke("c1")

	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("expected no emissions after Close, got %+v", got)
	}
}
