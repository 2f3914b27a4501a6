// Package realtime owns a client's real-time connection: it selects and
// swaps the transport tier, routes inbound events to consumers and
// carries outbound typing and read signals.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/dedup"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/metrics"
	"github.com/dgnsrekt/rental-realtime/internal/receipts"
	"github.com/dgnsrekt/rental-realtime/internal/transport"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

const (
	typingQueueSize = 16
	// maxHeldBatches bounds what one handshaking transport may deliver
	// before it becomes active.
	maxHeldBatches = 256
)

// Options wires a Session to its collaborators.
type Options struct {
	Config Config
	API    api.Client
	// UserID is the signed-in user; it identifies self receipts and
	// self typing echoes.
	UserID string
	// Factory builds transports; nil uses the network transports.
	Factory transport.Factory
	Metrics *metrics.Client
	Logger  *zap.Logger
}

type typingIntent struct {
	conversationID string
	isTyping       bool
}

// Session is one authenticated client's real-time connection. All
// connection state is mutated on a single loop goroutine; public methods
// are safe for concurrent use.
type Session struct {
	cfg     Config
	api     api.Client
	self    string
	factory transport.Factory
	metrics *metrics.Client
	logger  *zap.Logger

	loop        *loop
	cursor      *event.Cursor
	router      *Router
	typing      *typing.Tracker
	coordinator *typing.Coordinator
	receipts    *receipts.Tracker
	typingOut   chan typingIntent

	ctx    context.Context
	cancel context.CancelFunc
	gen    atomic.Uint64

	mu             sync.Mutex
	status         Status
	failures       int
	active         transport.Transport
	activeGen      uint64
	pendingGen     uint64
	probing        bool
	transports     map[uint64]transport.Transport
	held           map[uint64][]transport.Batch
	reconnectTimer *time.Timer
	probeTimer     *time.Timer
	listeners      map[uint64]func(Status)
	nextListener   uint64
	closed         bool
	closeOnce      sync.Once
}

// NewSession creates an idle session. It connects on the first Subscribe.
func NewSession(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, errors.New("realtime: API client is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("realtime: user id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		api:        opts.API,
		self:       opts.UserID,
		metrics:    opts.Metrics,
		logger:     logger,
		loop:       newLoop(),
		cursor:     event.NewCursor(""),
		typingOut:  make(chan typingIntent, typingQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		status:     Status{State: StateIdle, Tier: transport.KindNone},
		transports: make(map[uint64]transport.Transport),
		held:       make(map[uint64][]transport.Batch),
		listeners:  make(map[uint64]func(Status)),
	}

	s.factory = opts.Factory
	if s.factory == nil {
		s.factory = transport.NewFactory(cfg.Transport, opts.API, s.cursor, logger, func(error) {
			s.metrics.PollFailed()
		})
	}

	s.receipts = receipts.NewTracker(opts.UserID, opts.API.MarkRead, logger)
	s.typing = typing.NewTracker(cfg.TypingTTL, func(st typing.State) {
		s.loop.post(func() { s.router.DispatchTyping(st) })
	})
	s.coordinator = typing.NewCoordinator(typing.CoordinatorConfig{
		QuietPeriod: cfg.TypingQuietPeriod,
		Emit: func(conversationID string, isTyping bool) {
			select {
			case s.typingOut <- typingIntent{conversationID, isTyping}:
			default:
				s.logger.Debug("typing queue full, dropping signal", zap.String("conversationID", conversationID))
			}
		},
	})
	cache := dedup.New(dedup.Options{Horizon: cfg.DedupHorizon, MaxSize: cfg.DedupMaxSize})
	s.router = NewRouter(opts.UserID, cache, s.typing, s.receipts, opts.Metrics, logger)
	s.metrics.SetState(string(StateIdle), transport.KindNone.String())

	go s.sendTypingPulses()
	return s, nil
}

// Subscribe registers consumer handlers for (scope, ownerID). The first
// subscription starts the connection. The returned function unregisters
// the handlers; it is idempotent and leaves the shared transport running.
func (s *Session) Subscribe(scope event.Scope, ownerID string, h Handlers) (func(), error) {
	sub := event.Subscription{Scope: scope, OwnerID: ownerID}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	id := s.router.Register(sub, h)
	s.loop.post(s.subscriptionsChanged)

	var once sync.Once
	return func() {
		once.Do(func() {
			if s.router.Unregister(id) {
				s.loop.post(s.subscriptionsChanged)
			}
		})
	}, nil
}

// SendTyping publishes a typing signal. It goes over the relay when
// streaming and over the direct API otherwise. It is never retried.
func (s *Session) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if conversationID == "" {
		return event.ErrMissingConversation
	}
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	active, tier := s.active, s.status.Tier
	s.mu.Unlock()

	var err error
	if active != nil && tier == transport.KindStreaming {
		err = active.Send(ctx, event.NewTyping(conversationID, s.self, isTyping))
	} else {
		err = s.api.SendTyping(ctx, conversationID, isTyping)
	}
	if err != nil {
		s.metrics.SendFailed("typing")
		return &transport.SendError{Op: "typing", Err: err}
	}
	return nil
}

// Keystroke feeds local typing activity into the debouncer.
func (s *Session) Keystroke(conversationID string) {
	s.coordinator.Keystroke(conversationID)
}

// StopTyping ends a local typing pulse immediately.
func (s *Session) StopTyping(conversationID string) {
	s.coordinator.Stop(conversationID)
}

func (s *Session) sendTypingPulses() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.typingOut:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
			if err := s.SendTyping(ctx, in.conversationID, in.isTyping); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Debug("typing signal lost", zap.String("conversationID", in.conversationID), zap.Error(err))
			}
			cancel()
		}
	}
}

// MarkRead marks a message read once per session. Repeated calls are
// no-ops; a failure is returned to the caller and may be retried.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.receipts.MarkRead(ctx, messageID); err != nil {
		s.metrics.SendFailed("mark_read")
		return &transport.SendError{Op: "mark_read", Err: err}
	}
	return nil
}

// ConnectionState returns the current state and tier.
func (s *Session) ConnectionState() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Typing returns the senders currently typing in a conversation.
func (s *Session) Typing(conversationID string) []string {
	return s.typing.Typing(conversationID)
}

// Readers returns who has read a message, as far as this session knows.
func (s *Session) Readers(messageID string) []string {
	return s.receipts.Readers(messageID)
}

// Cursor returns the current poll position.
func (s *Session) Cursor() string {
	return s.cursor.Get()
}

// OnStateChange registers fn for status changes. fn runs on the session
// loop, or on the closing goroutine for the final closed status.
func (s *Session) OnStateChange(fn func(Status)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close tears the session down synchronously: timers stop, transports
// close and every later operation returns ErrClosed. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.mu.Lock()
		step, _ := Transition(s.status, s.failures, Trigger{Kind: TriggerClose}, s.cfg.ReconnectThreshold)
		s.status = step.Next
		s.closed = true
		s.active = nil
		open := s.transports
		s.transports = make(map[uint64]transport.Transport)
		s.held = make(map[uint64][]transport.Batch)
		listeners := s.listenersLocked()
		s.mu.Unlock()

		s.cancel()
		s.loop.stop()
		for _, t := range open {
			_ = t.Close()
		}
		s.coordinator.Close()
		s.typing.Close()

		s.metrics.SetState(string(StateClosed), transport.KindNone.String())
		for _, fn := range listeners {
			fn(step.Next)
		}
		s.logger.Info("session closed", zap.Int("transports", len(open)))
	})
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.probeTimer != nil {
		s.probeTimer.Stop()
		s.probeTimer = nil
	}
}

func (s *Session) listenersLocked() []func(Status) {
	out := make([]func(Status), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

// subscriptionsChanged runs on the loop.
func (s *Session) subscriptionsChanged() {
	subs := s.router.Subscriptions()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idle := s.status.State == StateIdle
	targets := make([]transport.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	if idle {
		if len(subs) > 0 {
			s.apply(Trigger{Kind: TriggerSubscribe}, "subscribe")
		}
		return
	}
	for _, t := range targets {
		t.SetSubscriptions(subs)
	}
}

// apply runs a state transition and its action. It runs on the loop.
func (s *Session) apply(trig Trigger, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.status
	step, err := Transition(prev, s.failures, trig, s.cfg.ReconnectThreshold)
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring trigger", zap.Error(err))
		return
	}
	s.status = step.Next
	s.failures = step.Failures
	var listeners []func(Status)
	if prev != step.Next {
		listeners = s.listenersLocked()
	}
	s.mu.Unlock()

	if prev != step.Next {
		s.metrics.SetState(string(step.Next.State), step.Next.Tier.String())
		if prev.Tier != step.Next.Tier && prev.Tier != transport.KindNone {
			s.metrics.TierSwitched(prev.Tier.String(), step.Next.Tier.String(), reason)
		}
		s.logger.Info("connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", step.Next),
			zap.String("reason", reason),
		)
		for _, fn := range listeners {
			fn(step.Next)
		}
	}

	switch step.Action {
	case ActionConnect:
		s.connect(step.Next.Tier)
	case ActionReconnect:
		s.scheduleReconnect()
	}
	s.scheduleProbe()
}

// register tracks t so Close can release it. It reports false when the
// session is already closed.
func (s *Session) register(gen uint64, t transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.transports[gen] = t
	return true
}

func (s *Session) release(gen uint64) {
	s.mu.Lock()
	t := s.transports[gen]
	delete(s.transports, gen)
	delete(s.held, gen)
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// build creates and registers a transport for tier bound to a fresh
// generation.
func (s *Session) build(tier transport.Kind) (uint64, transport.Transport, error) {
	gen := s.gen.Add(1)
	if s.isClosed() {
		return gen, nil, ErrClosed
	}
	t, err := s.factory(tier, s.router.Subscriptions(), binding{s: s, gen: gen})
	if err != nil {
		return gen, nil, err
	}
	if !s.register(gen, t) {
		_ = t.Close()
		return gen, nil, ErrClosed
	}
	return gen, t, nil
}

// handshake connects t, treating the configured ceiling as a failure even
// if the transport does not honour its context.
func (s *Session) handshake(t transport.Transport) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- t.Connect(ctx) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return &transport.HandshakeError{Tier: t.Kind(), Err: ctx.Err()}
	}
}

// connect starts a handshake on tier. It runs on the loop.
func (s *Session) connect(tier transport.Kind) {
	gen, t, err := s.build(tier)
	if errors.Is(err, ErrClosed) {
		return
	}

	s.mu.Lock()
	s.pendingGen = gen
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("building transport", zap.Stringer("tier", tier), zap.Error(err))
		s.loop.post(func() { s.handshakeDone(gen, tier, nil, err) })
		return
	}

	s.logger.Debug("connecting", zap.Stringer("tier", tier))
	go func() {
		err := s.handshake(t)
		s.loop.post(func() { s.handshakeDone(gen, tier, t, err) })
	}()
}

func (s *Session) handshakeDone(gen uint64, tier transport.Kind, t transport.Transport, err error) {
	s.mu.Lock()
	current := !s.closed && gen == s.pendingGen
	if current {
		s.pendingGen = 0
	}
	s.mu.Unlock()
	if !current {
		s.release(gen)
		return
	}

	if err != nil {
		s.release(gen)
		s.metrics.HandshakeFailed(tier.String())
		s.logger.Warn("handshake failed", zap.Stringer("tier", tier), zap.Error(err))
		s.apply(Trigger{Kind: TriggerHandshakeFailed}, "handshake_failed")
		return
	}

	s.swap(gen, t)
	s.apply(Trigger{Kind: TriggerHandshakeOK}, "handshake_ok")
	s.live(t)
}

// swap makes t the active transport, releases the previous one and
// delivers whatever t received during its handshake.
func (s *Session) swap(gen uint64, t transport.Transport) {
	s.mu.Lock()
	prevGen := s.activeGen
	s.active = t
	s.activeGen = gen
	held := s.held[gen]
	delete(s.held, gen)
	s.mu.Unlock()
	if prevGen != 0 && prevGen != gen {
		s.release(prevGen)
	}
	for _, b := range held {
		s.deliver(b)
	}
}

// live runs when a transport starts serving: it syncs subscriptions that
// changed during the handshake and closes any delivery gap.
func (s *Session) live(t transport.Transport) {
	t.SetSubscriptions(s.router.Subscriptions())
	if t.Kind() != transport.KindPolling {
		s.catchUp()
	}
}

// catchUp polls once for anything published since the cursor, so events
// that fell between two tiers are not lost. Overlap is removed by dedup.
func (s *Session) catchUp() {
	channels := event.Channels(s.router.Subscriptions())
	if len(channels) == 0 {
		return
	}
	since := s.cursor.Get()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		defer cancel()
		resp, err := s.api.Poll(ctx, since, channels)
		if err != nil {
			if s.ctx.Err() == nil {
				s.metrics.PollFailed()
				s.logger.Warn("catch-up poll failed", zap.Error(&transport.PollError{Since: since, Err: err}))
			}
			return
		}
		b := transport.Batch{Events: resp.Events, Since: since, Cursor: resp.LatestCursor}
		s.loop.post(func() { s.deliver(b) })
	}()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.loop.post(s.reconnect)
	})
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	st := s.status
	closed := s.closed
	s.mu.Unlock()
	if closed || (st.State != StateReconnecting && st.State != StateConnecting) {
		return
	}
	s.logger.Info("reconnecting", zap.Stringer("tier", st.Tier))
	s.connect(st.Tier)
}

// scheduleProbe arms the promotion timer while degraded and disarms it
// otherwise. It runs on the loop.
func (s *Session) scheduleProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.status.State != StateDegraded {
		if s.probeTimer != nil {
			s.probeTimer.Stop()
			s.probeTimer = nil
		}
		return
	}
	if s.probeTimer != nil || s.probing {
		return
	}
	s.probeTimer = time.AfterFunc(s.cfg.PromotionInterval, func() {
		s.loop.post(s.probe)
	})
}

// probe tries each tier above the current one, highest first, without
// touching the active transport. The first that connects is promoted.
func (s *Session) probe() {
	s.mu.Lock()
	s.probeTimer = nil
	if s.closed || s.status.State != StateDegraded || s.probing {
		s.mu.Unlock()
		return
	}
	s.probing = true
	tiers := s.status.Tier.Above()
	s.mu.Unlock()

	s.logger.Debug("promotion probe", zap.Int("candidates", len(tiers)))
	go func() {
		for _, tier := range tiers {
			gen, t, err := s.build(tier)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				continue
			}
			if err := s.handshake(t); err != nil {
				s.release(gen)
				s.logger.Debug("promotion probe failed", zap.Stringer("tier", tier), zap.Error(err))
				continue
			}
			s.loop.post(func() { s.promote(gen, tier, t) })
			return
		}
		s.loop.post(func() {
			s.mu.Lock()
			s.probing = false
			s.mu.Unlock()
			s.scheduleProbe()
		})
	}()
}

func (s *Session) promote(gen uint64, tier transport.Kind, t transport.Transport) {
	s.mu.Lock()
	s.probing = false
	ok := !s.closed && s.status.State == StateDegraded && tier > s.status.Tier
	s.mu.Unlock()
	if !ok {
		s.release(gen)
		s.scheduleProbe()
		return
	}

	s.swap(gen, t)
	s.apply(Trigger{Kind: TriggerPromoted, Tier: tier}, "promoted")
	s.live(t)
}

// onBatch delivers batches from the active transport. A transport still
// in its handshake (pending or probing) may already be receiving; its
// batches are held until it is swapped in or released.
func (s *Session) onBatch(gen uint64, b transport.Batch) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if gen != s.activeGen {
		if _, ok := s.transports[gen]; ok {
			s.holdLocked(gen, b)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliver(b)
}

func (s *Session) holdLocked(gen uint64, b transport.Batch) {
	held := s.held[gen]
	if len(held) == maxHeldBatches {
		s.logger.Warn("handshake backlog full, dropping oldest batch", zap.Uint64("generation", gen))
		held = held[1:]
	}
	s.held[gen] = append(held, b)
}

// deliver advances the cursor and routes a batch. Poll results at or
// before the position they were requested from are skipped.
func (s *Session) deliver(b transport.Batch) {
	if s.isClosed() {
		return
	}
	for _, e := range b.Events {
		if b.Since != "" && e.Kind.Deduplicated() && !e.Timestamp.IsZero() &&
			event.CompareCursors(event.FormatCursor(e.Timestamp), b.Since) <= 0 {
			continue
		}
		if e.Kind.Deduplicated() && !e.Timestamp.IsZero() {
			s.cursor.Advance(event.FormatCursor(e.Timestamp))
		}
		s.router.Route(e)
	}
	s.cursor.Advance(b.Cursor)
}

func (s *Session) onDrop(gen uint64, err error) {
	s.mu.Lock()
	current := !s.closed && gen == s.activeGen
	if current {
		s.active = nil
		s.activeGen = 0
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.release(gen)
	s.logger.Warn("transport dropped", zap.Error(err))
	s.apply(Trigger{Kind: TriggerDropped}, "dropped")
}

// binding is the Handler given to one transport generation.
type binding struct {
	s   *Session
	gen uint64
}

func (b binding) HandleEvents(batch transport.Batch) {
	b.s.loop.post(func() { b.s.onBatch(b.gen, batch) })
}

func (b binding) HandleDrop(err error) {
	b.s.loop.post(func() { b.s.onDrop(b.gen, err) })
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s)", s.self, s.ConnectionState())
}
