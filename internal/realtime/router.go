package realtime

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/dedup"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/metrics"
	"github.com/dgnsrekt/rental-realtime/internal/receipts"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

// Handlers are the per-subscription consumer callbacks. Any may be nil.
// They run on the session loop and must not block.
type Handlers struct {
	OnMessage      func(event.Event)
	OnNotification func(event.Event)
	OnTyping       func(typing.State)
	OnReadReceipt  func(Receipt)
}

// Receipt is a read receipt as seen by consumers.
type Receipt struct {
	ConversationID string
	MessageID      string
	ReaderID       string
}

type registration struct {
	id       uint64
	sub      event.Subscription
	handlers Handlers
}

// Router deduplicates inbound events and dispatches them to the
// registered consumers by kind and subscription.
type Router struct {
	self     string
	dedup    *dedup.Cache
	typing   *typing.Tracker
	receipts *receipts.Tracker
	metrics  *metrics.Client
	logger   *zap.Logger

	mu   sync.Mutex
	regs map[uint64]registration
	next uint64
}

func NewRouter(self string, cache *dedup.Cache, tt *typing.Tracker, rt *receipts.Tracker, m *metrics.Client, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		self:     self,
		dedup:    cache,
		typing:   tt,
		receipts: rt,
		metrics:  m,
		logger:   logger,
		regs:     make(map[uint64]registration),
	}
}

func (r *Router) Register(sub event.Subscription, h Handlers) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.regs[r.next] = registration{id: r.next, sub: sub, handlers: h}
	return r.next
}

func (r *Router) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[id]; !ok {
		return false
	}
	delete(r.regs, id)
	return true
}

// Subscriptions returns the distinct subscriptions with at least one
// consumer, ordered by channel name.
func (r *Router) Subscriptions() []event.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]event.Subscription, len(r.regs))
	for _, reg := range r.regs {
		seen[reg.sub.Channel()] = reg.sub
	}
	out := make([]event.Subscription, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel() < out[j].Channel() })
	return out
}

func (r *Router) matching(e event.Event) []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registration
	for _, reg := range r.regs {
		if reg.sub.Matches(e) {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Route handles one inbound event and reports whether it reached the
// dispatch stage. Non-typing events pass the dedup cache exactly once.
func (r *Router) Route(e event.Event) bool {
	if err := e.Validate(); err != nil {
		r.logger.Warn("dropping invalid event", zap.String("id", e.ID), zap.Error(err))
		return false
	}
	if e.Kind.Deduplicated() && r.dedup.Seen(e.ID) {
		r.metrics.Duplicate()
		r.logger.Debug("duplicate event", zap.String("id", e.ID), zap.String("kind", string(e.Kind)))
		return false
	}

	switch e.Kind {
	case event.KindTyping:
		if e.SenderID != "" && e.SenderID == r.self {
			return false
		}
		state, changed := r.typing.Apply(e)
		if !changed {
			return false
		}
		r.DispatchTyping(state)
		return true

	case event.KindReadReceipt:
		rr, changed, err := r.receipts.Apply(e)
		if err != nil {
			r.logger.Warn("bad read receipt", zap.String("id", e.ID), zap.Error(err))
			return false
		}
		if !changed {
			return false
		}
		receipt := Receipt{ConversationID: e.ConversationID, MessageID: rr.MessageID, ReaderID: rr.ReaderID}
		for _, reg := range r.matching(e) {
			if reg.handlers.OnReadReceipt != nil {
				reg.handlers.OnReadReceipt(receipt)
			}
		}

	case event.KindMessage:
		for _, reg := range r.matching(e) {
			if reg.handlers.OnMessage != nil {
				reg.handlers.OnMessage(e)
			}
		}

	case event.KindNotification:
		for _, reg := range r.matching(e) {
			if reg.handlers.OnNotification != nil {
				reg.handlers.OnNotification(e)
			}
		}
	}
	r.metrics.Dispatched(string(e.Kind))
	return true
}

// DispatchTyping delivers a typing state change, including TTL expiry,
// to consumers of the conversation.
func (r *Router) DispatchTyping(state typing.State) {
	probe := event.Event{
		Kind:           event.KindTyping,
		ConversationID: state.ConversationID,
		Channel:        event.Subscription{Scope: event.ScopeConversation, OwnerID: state.ConversationID}.Channel(),
	}
	for _, reg := range r.matching(probe) {
		if reg.handlers.OnTyping != nil {
			reg.handlers.OnTyping(state)
		}
	}
	r.metrics.Dispatched(string(event.KindTyping))
}
