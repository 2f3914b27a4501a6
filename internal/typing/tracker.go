package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

// DefaultTTL is how long a typing=true signal stays valid without refresh.
const DefaultTTL = 5 * time.Second

// State is the derived typing state of one sender in one conversation.
type State struct {
	ConversationID string
	SenderID       string
	IsTyping       bool
}

type key struct {
	conversationID string
	senderID       string
}

type indicator struct {
	expiresAt time.Time
	lastWrite time.Time
	timer     *time.Timer
	gen       uint64
}

// Tracker applies inbound typing events last-write-wins per sender per
// conversation. A typing=true signal expires after the TTL even when no
// typing=false arrives; onExpire is told about it.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	onExpire func(State)
	entries  map[key]*indicator
	gen      uint64
	closed   bool
	now      func() time.Time
}

// NewTracker creates a tracker. onExpire may be nil.
func NewTracker(ttl time.Duration, onExpire func(State)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onExpire == nil {
		onExpire = func(State) {}
	}
	return &Tracker{
		ttl:      ttl,
		onExpire: onExpire,
		entries:  make(map[key]*indicator),
		now:      time.Now,
	}
}

// Apply folds a typing event into the tracker. It returns the resulting
// state and whether it differs from what consumers last saw. Events
// older than the last applied one for the same sender are ignored.
func (t *Tracker) Apply(e event.Event) (State, bool) {
	isTyping, err := e.Typing()
	if err != nil {
		return State{}, false
	}
	k := key{conversationID: e.ConversationID, senderID: e.SenderID}
	st := State{ConversationID: k.conversationID, SenderID: k.senderID, IsTyping: isTyping}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return st, false
	}

	now := t.now()
	cur, exists := t.entries[k]
	if exists && !e.Timestamp.IsZero() && e.Timestamp.Before(cur.lastWrite) {
		return State{ConversationID: k.conversationID, SenderID: k.senderID, IsTyping: now.Before(cur.expiresAt)}, false
	}
	wasTyping := exists && now.Before(cur.expiresAt)

	if !isTyping {
		if exists {
			cur.timer.Stop()
			delete(t.entries, k)
		}
		return st, wasTyping
	}

	if exists {
		cur.timer.Stop()
	} else {
		cur = &indicator{}
		t.entries[k] = cur
	}
	t.gen++
	gen := t.gen
	cur.gen = gen
	cur.expiresAt = now.Add(t.ttl)
	cur.lastWrite = e.Timestamp
	cur.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	return st, !wasTyping
}

// IsTyping reports the derived state, honouring the TTL even if the
// expiry callback has not run yet.
func (t *Tracker) IsTyping(conversationID, senderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[key{conversationID: conversationID, senderID: senderID}]
	return ok && t.now().Before(cur.expiresAt)
}

// Typing lists senders currently typing in a conversation, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var senders []string
	for k, cur := range t.entries {
		if k.conversationID == conversationID && now.Before(cur.expiresAt) {
			senders = append(senders, k.senderID)
		}
	}
	sort.Strings(senders)
	return senders
}

// Close stops all expiry timers. It is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, cur := range t.entries {
		cur.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	cur, ok := t.entries[k]
	if !ok || cur.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	t.mu.Unlock()

	t.onExpire(State{ConversationID: k.conversationID, SenderID: k.senderID, IsTyping: false})
}
