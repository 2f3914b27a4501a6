package event

import (
	"strings"
	"sync"
	"time"
)

// Cursor is the session-scoped "changes since" position into server
// event history. Only the session loop advances it; transports read it.
type Cursor struct {
	mu    sync.RWMutex
	value string
}

// NewCursor returns a cursor starting at initial.
func NewCursor(initial string) *Cursor {
	return &Cursor{value: initial}
}

// FormatCursor renders t in the wire format the server uses for cursors.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Get returns the current position.
func (c *Cursor) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Advance moves the cursor to candidate when candidate is ahead of it.
// It never moves backwards.
func (c *Cursor) Advance(candidate string) bool {
	if candidate == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if CompareCursors(candidate, c.value) <= 0 {
		return false
	}
	c.value = candidate
	return true
}

// Covers reports whether ts is at or before the cursor, meaning an event
// stamped ts was already part of history the client fetched.
func (c *Cursor) Covers(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return CompareCursors(FormatCursor(ts), c.Get()) <= 0
}

// CompareCursors orders two cursor values. Timestamps compare
// chronologically; anything else falls back to byte order. The empty
// cursor sorts first.
func CompareCursors(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}
