// Package typing derives outbound typing pulses from keystrokes and
// tracks inbound typing state from other participants.
package typing

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is how long keystrokes must pause before typing=false
// is emitted.
const DefaultQuietPeriod = 2 * time.Second

// EmitFunc receives typing transitions. It is called with the coordinator
// lock held so transitions reach it in order; it must not block or call
// back into the coordinator.
type EmitFunc func(conversationID string, isTyping bool)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	QuietPeriod time.Duration
	Emit        EmitFunc
}

type pulse struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator debounces local keystrokes per conversation: the first
// keystroke after idle emits typing=true, further keystrokes are
// suppressed, and a quiet period emits typing=false. Nothing is queued
// or retried; a lost signal heals through the receiver's TTL.
type Coordinator struct {
	mu     sync.Mutex
	quiet  time.Duration
	emit   EmitFunc
	active map[string]*pulse
	gen    uint64
	sealed bool
}

// NewCoordinator creates a coordinator. A nil Emit discards transitions.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(string, bool) {}
	}
	return &Coordinator{
		quiet:  quiet,
		emit:   emit,
		active: make(map[string]*pulse),
	}
}

// Keystroke records local typing activity in a conversation.
func (c *Coordinator) Keystroke(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || conversationID == "" {
		return
	}

	c.gen++
	gen := c.gen
	timer := time.AfterFunc(c.quiet, func() { c.expire(conversationID, gen) })

	if p, ok := c.active[conversationID]; ok {
		p.timer.Stop()
		p.timer = timer
		p.gen = gen
		return
	}

	c.active[conversationID] = &pulse{timer: timer, gen: gen}
	c.emit(conversationID, true)
}

// Stop ends typing in a conversation immediately, e.g. after the message
// was sent. It is a no-op when the conversation is idle.
func (c *Coordinator) Stop(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.active[conversationID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(c.active, conversationID)
	if !c.sealed {
		c.emit(conversationID, false)
	}
}

// Active reports whether a typing=true pulse is outstanding.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Close cancels every pending quiet timer without emitting. Later calls
// are ignored; Close is idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	for id, p := range c.active {
		p.timer.Stop()
		delete(c.active, id)
	}
}

func (c *Coordinator) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.active[conversationID]
	if !ok || p.gen != gen || c.sealed {
		return
	}
	delete(c.active, conversationID)
	c.emit(conversationID, false)
}
