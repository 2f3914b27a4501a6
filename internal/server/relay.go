// Package server is a development relay: it serves the channel
// authorization, websocket relay, event stream, polling and direct-send
// endpoints the real-time client consumes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/config"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/metrics"
)

var ErrUnknownMessage = errors.New("unknown message")

// pruneInterval is how often expired history is dropped.
const pruneInterval = time.Minute

type Relay struct {
	cfg      *config.ServerConfig
	store    *Store
	hub      *Hub
	grants   *Grants
	registry *prometheus.Registry
	metrics  *metrics.Relay
	logger   *zap.Logger

	// publishMu keeps fan-out in timestamp order.
	publishMu sync.Mutex

	readsMu sync.Mutex
	reads   map[string]map[string]bool // message -> readers
}

// NewRelay builds a relay. A nil registry gets a private one.
func NewRelay(cfg *config.ServerConfig, reg *prometheus.Registry, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	grants, err := NewGrants(cfg.SigningKey, cfg.GrantTTL)
	if err != nil {
		return nil, err
	}
	m := metrics.NewRelay(reg)
	return &Relay{
		cfg:      cfg,
		store:    NewStore(cfg.Retention, logger),
		hub:      NewHub(m, logger),
		grants:   grants,
		registry: reg,
		metrics:  m,
		logger:   logger,
		reads:    make(map[string]map[string]bool),
	}, nil
}

// Run drives the hub and history pruning until ctx is cancelled.
func (s *Relay) Run(ctx context.Context) {
	go s.store.Run(ctx, pruneInterval)
	s.hub.Run(ctx)
}

// Registry exposes the relay's metrics registry.
func (s *Relay) Registry() *prometheus.Registry {
	return s.registry
}

// Publish assigns server fields to e, records it unless it is a
// transient signal, and fans it out to its channel.
func (s *Relay) Publish(e event.Event) (event.Event, error) {
	if e.ID == "" && e.Kind.Deduplicated() {
		e.ID = uuid.NewString()
	}
	if e.Channel == "" && e.ConversationID != "" {
		e.Channel = event.Subscription{Scope: event.ScopeConversation, OwnerID: e.ConversationID}.Channel()
	}
	if err := e.Validate(); err != nil {
		return event.Event{}, err
	}
	if _, err := event.ParseChannel(e.Channel); err != nil {
		return event.Event{}, err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if e.Kind == event.KindTyping {
		e = s.store.Stamp(e)
	} else {
		e = s.store.Append(e)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	sent := s.hub.Publish(e.Channel, data)
	s.metrics.Published(string(e.Kind))

	s.logger.Debug("event published",
		zap.String("kind", string(e.Kind)),
		zap.String("id", e.ID),
		zap.String("channel", e.Channel),
		zap.Int("receivers", sent),
	)
	return e, nil
}

// MarkRead records that reader read messageID and publishes a receipt
// the first time only.
func (s *Relay) MarkRead(reader, messageID string) (bool, error) {
	msg, ok := s.store.Find(messageID)
	if !ok || msg.Kind != event.KindMessage {
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	s.readsMu.Lock()
	readers := s.reads[messageID]
	if readers == nil {
		readers = make(map[string]bool)
		s.reads[messageID] = readers
	}
	first := !readers[reader]
	readers[reader] = true
	s.readsMu.Unlock()

	if !first {
		return false, nil
	}

	payload, err := json.Marshal(event.ReadReceipt{MessageID: messageID, ReaderID: reader})
	if err != nil {
		return false, err
	}
	if _, err := s.Publish(event.Event{
		Kind:           event.KindReadReceipt,
		ConversationID: msg.ConversationID,
		SenderID:       reader,
		Payload:        payload,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Typing publishes a typing signal from user.
func (s *Relay) Typing(user, conversationID string, isTyping bool) error {
	_, err := s.Publish(event.NewTyping(conversationID, user, isTyping))
	return err
}
