package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

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
	maxMessageSize = 64 * 1024
)

const (
	transportStreaming  = "streaming"
	transportServerPush = "server_push"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // development relay
	Subprotocols:    []string{wire.SubprotocolProtobuf, wire.SubprotocolJSON},
}

// relayConn is one websocket client of the relay.
type relayConn struct {
	relay  *Relay
	ws     *websocket.Conn
	codec  wire.Codec
	member *member
	logger *zap.Logger

	mu   sync.Mutex
	user string // set by the first accepted join
}

// HandleRelay upgrades to the relay websocket protocol.
func (s *Relay) HandleRelay(w http.ResponseWriter, r *http.Request) {
	// The upgrader picks the first server subprotocol the client offered.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	codec, err := wire.ForSubprotocol(ws.Subprotocol())
	if err != nil {
		s.logger.Debug("unsupported subprotocol", zap.String("protocol", ws.Subprotocol()))
		_ = ws.Close()
		return
	}

	connID := uuid.NewString()
	c := &relayConn{
		relay:  s,
		ws:     ws,
		codec:  codec,
		logger: s.logger.With(zap.String("connID", connID)),
	}
	c.member = newMember(connID, transportStreaming, func(group string, data []byte) ([]byte, error) {
		return codec.Encode(wire.Message(group, data))
	})
	c.member.release = codec.Close

	s.logger.Debug("websocket subprotocol negotiated",
		zap.String("protocol", codec.Subprotocol()),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	if !s.hub.Register(c.member) {
		codec.Close()
		_ = ws.Close()
		return
	}
	c.reply(wire.Connected(connID))

	go c.writePump()
	go c.readPump()
}

// reply encodes f and queues it for this connection.
func (c *relayConn) reply(f wire.Frame) {
	_, err := c.relay.hub.Deliver(c.member, func() ([]byte, error) {
		return c.codec.Encode(f)
	})
	if err != nil {
		c.logger.Warn("encode reply failed", zap.String("type", f.Type), zap.Error(err))
	}
}

// readPump reads messages from the WebSocket connection.
func (c *relayConn) readPump() {
	defer func() {
		c.relay.hub.Unregister(c.member)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Debug("failed to parse upstream frame", zap.Error(err))
			continue
		}
		c.handleFrame(f)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	msgType := c.codec.MessageType()
	for {
		select {
		case message, ok := <-c.member.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *relayConn) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeJoinGroup:
		user, err := c.relay.grants.Verify(f.Grant, f.Group, c.member.id)
		if err == nil {
			c.mu.Lock()
			if c.user == "" {
				c.user = user
			} else if c.user != user {
				err = ErrChannelDenied
			}
			c.mu.Unlock()
		}
		if err != nil {
			c.logger.Debug("join rejected", zap.String("group", f.Group), zap.Error(err))
			if f.AckID != nil {
				c.reply(wire.Ack(*f.AckID, false, err.Error()))
			}
			return
		}
		c.relay.hub.JoinGroup(c.member, f.Group)
		if f.AckID != nil {
			c.reply(wire.Ack(*f.AckID, true, ""))
		}

	case wire.TypeLeaveGroup:
		c.relay.hub.LeaveGroup(c.member, f.Group)
		if f.AckID != nil {
			c.reply(wire.Ack(*f.AckID, true, ""))
		}

	case wire.TypePing:
		c.reply(wire.Frame{Type: wire.TypePong})

	case wire.TypeTyping:
		c.handleTyping(f)
	}
}

// handleTyping publishes a typing intent on a group this connection has
// joined.
func (c *relayConn) handleTyping(f wire.Frame) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	var intent wire.TypingIntent
	if err := json.Unmarshal(f.Data, &intent); err != nil {
		c.logger.Debug("invalid typing intent", zap.Error(err))
		return
	}
	want := event.Subscription{Scope: event.ScopeConversation, OwnerID: intent.ConversationID}.Channel()
	if user == "" || f.Group != want || !c.relay.hub.IsMember(c.member, f.Group) {
		c.logger.Debug("typing on unjoined group", zap.String("group", f.Group))
		return
	}
	if err := c.relay.Typing(user, intent.ConversationID, intent.IsTyping); err != nil {
		c.logger.Debug("typing publish failed", zap.Error(err))
	}
}
