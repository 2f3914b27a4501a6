package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
)

var errConnectionLost = errors.New("relay connection lost")

// Streaming is the bidirectional relay tier. Each subscription is joined
// as a relay group using a grant from the auth endpoint.
type Streaming struct {
	cfg     Config
	api     api.Client
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	codec   wire.Codec
	connID  string
	subs    []event.Subscription
	joined  map[string]bool
	pending map[uint64]chan wire.Frame
	nextAck uint64
	live    bool
	closed  bool
	// reading is true while a goroutine may be decoding with codec.
	reading bool

	reconcileMu sync.Mutex
	send        chan []byte
	done        chan struct{}
	lost        chan struct{}
	closeOnce   sync.Once
	lostOnce    sync.Once
}

var _ Transport = (*Streaming)(nil)

func NewStreaming(cfg Config, client api.Client, subs []event.Subscription, h Handler, logger *zap.Logger) *Streaming {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Streaming{
		cfg:     cfg,
		api:     client,
		handler: h,
		logger:  logger.With(zap.String("tier", KindStreaming.String())),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     wire.Subprotocols(cfg.Protocol),
		},
		subs:    append([]event.Subscription(nil), subs...),
		joined:  make(map[string]bool),
		pending: make(map[uint64]chan wire.Frame),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
}

func (s *Streaming) Kind() Kind { return KindStreaming }

// Connect dials the relay, waits for the connected frame and joins every
// subscribed channel.
func (s *Streaming) Connect(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		_ = s.Close()
		return &HandshakeError{Tier: KindStreaming, Err: err}
	}
	return nil
}

func (s *Streaming) connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.RelayURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	codec, err := wire.ForSubprotocol(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		codec.Close()
		return ErrClosed
	}
	s.conn = conn
	s.codec = codec
	s.reading = true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	connID, err := s.awaitConnected(ctx, conn, codec)
	if err != nil {
		s.releaseReader()
		return err
	}
	s.logger.Debug("relay connected",
		zap.String("connID", connID),
		zap.String("protocol", codec.Subprotocol()),
	)

	s.mu.Lock()
	s.connID = connID
	subs := s.subs
	s.mu.Unlock()

	go s.writePump(conn, codec.MessageType())
	go s.readPump(conn, codec)

	for _, sub := range subs {
		if err := s.join(ctx, sub.Channel()); err != nil {
			return err
		}
	}
	if !stop() {
		return ctx.Err()
	}

	s.mu.Lock()
	s.live = true
	s.mu.Unlock()

	// Subscriptions may have changed while joining.
	go s.reconcile()
	return nil
}

func (s *Streaming) awaitConnected(ctx context.Context, conn *websocket.Conn, codec wire.Codec) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read connected frame: %w", err)
	}
	f, err := codec.Decode(data)
	if err != nil {
		return "", err
	}
	if f.Type != wire.TypeSystem || f.Event != wire.EventConnected || f.ConnectionID == "" {
		return "", fmt.Errorf("unexpected first frame %q/%q", f.Type, f.Event)
	}
	return f.ConnectionID, nil
}

// join authorizes one channel for this connection and waits for the
// relay to acknowledge the join.
func (s *Streaming) join(ctx context.Context, channel string) error {
	s.mu.Lock()
	connID := s.connID
	s.mu.Unlock()

	grant, err := s.api.AuthorizeChannel(ctx, api.GrantRequest{
		Channel:      channel,
		ConnectionID: connID,
		Realm:        s.cfg.Realm,
	})
	if err != nil {
		return err
	}

	ackID, acks := s.expectAck()
	defer s.forgetAck(ackID)

	if err := s.enqueue(ctx, wire.Join(channel, grant.Grant, ackID)); err != nil {
		return err
	}

	select {
	case f := <-acks:
		if !f.Succeeded() {
			return fmt.Errorf("join %s rejected: %s", channel, f.Reason)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.lost:
		return errConnectionLost
	case <-s.done:
		return ErrClosed
	}

	s.mu.Lock()
	s.joined[channel] = true
	s.mu.Unlock()
	s.logger.Debug("joined channel", zap.String("channel", channel))
	return nil
}

func (s *Streaming) expectAck() (uint64, chan wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAck++
	ch := make(chan wire.Frame, 1)
	s.pending[s.nextAck] = ch
	return s.nextAck, ch
}

func (s *Streaming) forgetAck(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// enqueue encodes f and hands it to the write pump.
func (s *Streaming) enqueue(ctx context.Context, f wire.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.codec == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	data, err := s.codec.Encode(f)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case s.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.lost:
		return errConnectionLost
	case <-s.done:
		return ErrClosed
	}
}

// SetSubscriptions joins added channels and leaves removed ones once the
// connection is live.
func (s *Streaming) SetSubscriptions(subs []event.Subscription) {
	s.mu.Lock()
	s.subs = append([]event.Subscription(nil), subs...)
	live := s.live && !s.closed
	s.mu.Unlock()
	if live {
		go s.reconcile()
	}
}

func (s *Streaming) reconcile() {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.live {
		s.mu.Unlock()
		return
	}
	want := make(map[string]bool, len(s.subs))
	for _, sub := range s.subs {
		want[sub.Channel()] = true
	}
	var join, leave []string
	for ch := range want {
		if !s.joined[ch] {
			join = append(join, ch)
		}
	}
	for ch := range s.joined {
		if !want[ch] {
			leave = append(leave, ch)
			delete(s.joined, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range leave {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		if err := s.enqueue(ctx, wire.Leave(ch)); err != nil {
			s.logger.Debug("leave failed", zap.String("channel", ch), zap.Error(err))
		}
		cancel()
	}
	for _, ch := range join {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		if err := s.join(ctx, ch); err != nil {
			s.logger.Warn("join failed", zap.String("channel", ch), zap.Error(err))
		}
		cancel()
	}
}

// Send publishes a typing signal on the relay. Other kinds travel over
// the request/response API.
func (s *Streaming) Send(ctx context.Context, e event.Event) error {
	if e.Kind != event.KindTyping {
		return fmt.Errorf("relay send of %s: %w", e.Kind, ErrSendUnsupported)
	}
	isTyping, err := e.Typing()
	if err != nil {
		return err
	}

	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if !live {
		return ErrNotConnected
	}

	group := e.Channel
	if group == "" {
		group = event.Subscription{Scope: event.ScopeConversation, OwnerID: e.ConversationID}.Channel()
	}
	f, err := wire.Typing(group, wire.TypingIntent{ConversationID: e.ConversationID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, f)
}

// Close shuts the connection down without reporting a drop.
func (s *Streaming) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.live = false
		conn := s.conn
		if !s.reading && s.codec != nil {
			s.codec.Close()
			s.codec = nil
		}
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	return nil
}

func (s *Streaming) releaseReader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = false
	if s.closed && s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
}

// readPump reads frames until the connection fails or is closed.
func (s *Streaming) readPump(conn *websocket.Conn, codec wire.Codec) {
	defer func() {
		_ = conn.Close()
		s.releaseReader()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(err)
			return
		}
		f, err := codec.Decode(data)
		if err != nil {
			s.logger.Warn("undecodable frame", zap.Error(err))
			continue
		}
		if !s.handleFrame(f) {
			return
		}
	}
}

func (s *Streaming) handleFrame(f wire.Frame) bool {
	switch f.Type {
	case wire.TypeAck:
		if f.AckID == nil {
			return true
		}
		s.mu.Lock()
		ch, ok := s.pending[*f.AckID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}

	case wire.TypeMessage:
		e, err := event.Decode(f.Data)
		if err != nil {
			s.logger.Warn("invalid event on relay", zap.String("group", f.Group), zap.Error(err))
			return true
		}
		if e.Channel == "" {
			e.Channel = f.Group
		}
		e.ReceivedAt = time.Now()
		s.handler.HandleEvents(Batch{Events: []event.Event{e}})

	case wire.TypePing:
		s.mu.Lock()
		data, err := s.encodeLocked(wire.Frame{Type: wire.TypePong})
		s.mu.Unlock()
		if err == nil {
			select {
			case s.send <- data:
			default:
			}
		}

	case wire.TypeSystem:
		if f.Event == wire.EventDisconnected {
			s.dropped(fmt.Errorf("relay disconnected: %s", f.Reason))
			return false
		}

	default:
		s.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
	return true
}

func (s *Streaming) encodeLocked(f wire.Frame) ([]byte, error) {
	if s.closed || s.codec == nil {
		return nil, ErrClosed
	}
	return s.codec.Encode(f)
}

// dropped reports the loss of a live connection once.
func (s *Streaming) dropped(err error) {
	s.lostOnce.Do(func() { close(s.lost) })

	s.mu.Lock()
	report := s.live && !s.closed
	s.live = false
	s.mu.Unlock()
	if !report {
		return
	}
	s.logger.Info("relay connection dropped", zap.Error(err))
	s.handler.HandleDrop(&DropError{Tier: KindStreaming, Err: err})
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (s *Streaming) writePump(conn *websocket.Conn, msgType int) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(msgType, message); err != nil {
				s.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.lost:
			return
		case <-s.done:
			return
		}
	}
}
