package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Store is the relay's event history. Timestamps it assigns are strictly
// increasing, so a timestamp doubles as a "changes since" cursor.
type Store struct {
	mu        sync.RWMutex
	events    []event.Event
	last      time.Time
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewStore(retention time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// stamp returns the next timestamp. Caller holds mu.
func (s *Store) stamp() time.Time {
	ts := s.now().UTC().Round(0)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts
	return ts
}

// Append stamps e and records it.
func (s *Store) Append(e event.Event) event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Timestamp = s.stamp()
	s.events = append(s.events, e)
	return e
}

// Stamp assigns a timestamp without recording the event. Transient
// signals use it so they never show up in polls.
func (s *Store) Stamp(e event.Event) event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Timestamp = s.stamp()
	return e
}

// Find looks up a stored event by id.
func (s *Store) Find(id string) (event.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID == id {
			return s.events[i], true
		}
	}
	return event.Event{}, false
}

// Since returns up to limit events on channels that are newer than
// since, and the cursor to resume from. An empty since returns no
// events, only the current position.
func (s *Store) Since(since string, channels []string, limit int) ([]event.Event, string, error) {
	if since == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Claim the current instant so later events sort after it.
		if now := s.now().UTC().Round(0); now.After(s.last) {
			s.last = now
		}
		return nil, event.FormatCursor(s.last), nil
	}

	from, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return nil, "", fmt.Errorf("%w %q: %v", ErrInvalidCursor, since, err)
	}

	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp.After(from)
	})
	var out []event.Event
	for _, e := range s.events[start:] {
		if !want[e.Channel] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			return out, event.FormatCursor(e.Timestamp), nil
		}
	}

	latest := from
	if s.last.After(latest) {
		latest = s.last
	}
	return out, event.FormatCursor(latest), nil
}

// Prune drops events older than the retention window.
func (s *Store) Prune() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp.After(cutoff)
	})
	if n > 0 {
		s.events = append([]event.Event(nil), s.events[n:]...)
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Run prunes the history periodically until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.logger.Debug("pruned event history",
					zap.Int("removed", n),
					zap.Int("remaining", s.Len()),
				)
			}
		}
	}
}
