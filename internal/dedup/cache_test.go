package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestSeen_FirstSightIsNotDuplicate(t *testing.T) {
	c := New(Options{Horizon: time.Minute})
	now := time.Now()

	if c.SeenAt("evt-1", now) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !c.SeenAt("evt-1", now.Add(time.Second)) {
		t.Fatal("second sighting not reported as duplicate")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestSeen_EmptyIDNeverDuplicate(t *testing.T) {
	c := New(Options{})
	if c.Seen("") || c.Seen("") {
		t.Error("empty id must never be treated as duplicate")
	}
	if c.Len() != 0 {
		t.Errorf("empty id should not be stored, got %d entries", c.Len())
	}
}

func TestSeen_ExpiresAfterHorizon(t *testing.T) {
	c := New(Options{Horizon: 2 * time.Minute})
	start := time.Now()

	c.SeenAt("evt-1", start)
	if !c.SeenAt("evt-1", start.Add(119*time.Second)) {
		t.Error("expected duplicate inside horizon")
	}
	// The duplicate check above must not have extended the horizon.
	if c.SeenAt("evt-1", start.Add(2*time.Minute)) {
		t.Error("expected entry to expire at the horizon")
	}
}

func TestSeen_ExpiryRemovesOldEntries(t *testing.T) {
	c := New(Options{Horizon: time.Second})
	start := time.Now()

	for i := 0; i < 5; i++ {
		c.SeenAt(fmt.Sprintf("old-%d", i), start)
	}
	c.SeenAt("new", start.Add(2*time.Second))

	if c.Len() != 1 {
		t.Errorf("expected expired entries to be dropped, got %d", c.Len())
	}
}

func TestSeen_MaxSizeEvictsOldest(t *testing.T) {
	c := New(Options{Horizon: time.Hour, MaxSize: 3})
	now := time.Now()

	for i := 0; i < 4; i++ {
		c.SeenAt(fmt.Sprintf("evt-%d", i), now.Add(time.Duration(i)*time.Millisecond))
	}

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if c.ContainsAt("evt-0", now) {
		t.Error("oldest entry should have been evicted")
	}
	if !c.ContainsAt("evt-3", now) {
		t.Error("newest entry should be retained")
	}
}

func TestContains_DoesNotRecord(t *testing.T) {
	c := New(Options{})
	if c.Contains("evt-1") {
		t.Error("unexpected hit")
	}
	if c.Seen("evt-1") {
		t.Error("Contains must not record the id")
	}
}

func TestClear(t *testing.T) {
	c := New(Options{})
	c.Seen("a")
	c.Seen("b")
	c.Clear()
	if c.Len() != 0 || c.Seen("a") {
		t.Error("expected empty cache after Clear")
	}
}
