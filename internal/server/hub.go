package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/metrics"
)

// Send buffer size per member.
const sendBufferSize = 256

// member is one push connection: a relay socket or an event stream.
type member struct {
	id        string
	transport string
	send      chan []byte
	// frame renders an encoded event for this member's wire format.
	frame  func(group string, data []byte) ([]byte, error)
	groups map[string]bool
	closed bool
	// release runs once when the member is closed.
	release func()
}

func newMember(id, transport string, frame func(string, []byte) ([]byte, error)) *member {
	return &member{
		id:        id,
		transport: transport,
		send:      make(chan []byte, sendBufferSize),
		frame:     frame,
		groups:    make(map[string]bool),
	}
}

// Hub manages push connections and their channel memberships.
type Hub struct {
	members    map[*member]bool
	groups     map[string]map[*member]bool // group -> members
	register   chan *member
	unregister chan *member
	done       chan struct{}
	mu         sync.RWMutex
	metrics    *metrics.Relay
	logger     *zap.Logger
}

func NewHub(m *metrics.Relay, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		members:    make(map[*member]bool),
		groups:     make(map[string]map[*member]bool),
		register:   make(chan *member),
		unregister: make(chan *member),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case m := <-h.register:
			h.mu.Lock()
			h.members[m] = true
			h.mu.Unlock()
			h.metrics.Connected(m.transport)
			h.logger.Debug("member registered",
				zap.String("connID", m.id),
				zap.String("transport", m.transport),
			)

		case m := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.members[m]; ok {
				delete(h.members, m)
				for group := range m.groups {
					h.removeLocked(m, group)
				}
				h.closeLocked(m)
			}
			h.mu.Unlock()
			h.logger.Debug("member unregistered", zap.String("connID", m.id))
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for m := range h.members {
		h.closeLocked(m)
		delete(h.members, m)
	}
	h.groups = make(map[string]map[*member]bool)
}

func (h *Hub) closeLocked(m *member) {
	m.closed = true
	close(m.send)
	if m.release != nil {
		m.release()
	}
	h.metrics.Disconnected(m.transport)
}

// Register adds m. It reports false once the hub has stopped.
func (h *Hub) Register(m *member) bool {
	select {
	case h.register <- m:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(m *member) {
	select {
	case h.unregister <- m:
	case <-h.done:
	}
}

func (h *Hub) JoinGroup(m *member, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return
	}

	if h.groups[group] == nil {
		h.groups[group] = make(map[*member]bool)
	}
	h.groups[group][m] = true
	m.groups[group] = true

	h.logger.Debug("member joined group",
		zap.String("connID", m.id),
		zap.String("group", group),
	)
}

func (h *Hub) LeaveGroup(m *member, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(m, group)
	delete(m.groups, group)

	h.logger.Debug("member left group",
		zap.String("connID", m.id),
		zap.String("group", group),
	)
}

func (h *Hub) removeLocked(m *member, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Deliver builds a frame and queues it for m. It reports false when m is
// gone or its buffer is full; a full member is disconnected.
func (h *Hub) Deliver(m *member, build func() ([]byte, error)) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if m.closed {
		return false, nil
	}
	msg, err := build()
	if err != nil {
		return false, err
	}
	return h.deliverLocked(m, msg), nil
}

func (h *Hub) deliverLocked(m *member, msg []byte) bool {
	if m.closed {
		return false
	}
	select {
	case m.send <- msg:
		return true
	default:
		// Buffer full, schedule disconnect
		go h.Unregister(m)
		return false
	}
}

// Publish fans an encoded event out to every member of group, each in
// its own wire format.
func (h *Hub) Publish(group string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for m := range h.groups[group] {
		if m.closed {
			continue
		}
		msg, err := m.frame(group, data)
		if err != nil {
			h.logger.Warn("encode frame failed",
				zap.String("connID", m.id),
				zap.Error(err),
			)
			continue
		}
		if h.deliverLocked(m, msg) {
			sent++
		}
	}
	return sent
}

// Members returns the number of members in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// IsMember reports whether m has joined group.
func (h *Hub) IsMember(m *member, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.groups[group][m]
}
