// Package transport implements the three delivery tiers: a bidirectional
// streaming relay, a one-way server push stream and interval polling.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

// Kind identifies a delivery tier. Higher values are preferred.
type Kind int

const (
	KindNone Kind = iota
	KindPolling
	KindServerPush
	KindStreaming
)

// Tiers lists every usable tier, most preferred first.
var Tiers = []Kind{KindStreaming, KindServerPush, KindPolling}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindServerPush:
		return "server_push"
	case KindPolling:
		return "polling"
	}
	return "none"
}

// Next returns the tier to fall back to from k.
func (k Kind) Next() Kind {
	if k <= KindPolling {
		return KindNone
	}
	return k - 1
}

// Above returns the tiers preferred over k, most preferred first.
func (k Kind) Above() []Kind {
	var out []Kind
	for _, t := range Tiers {
		if t > k {
			out = append(out, t)
		}
	}
	return out
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "streaming":
		return KindStreaming, nil
	case "server_push":
		return KindServerPush, nil
	case "polling":
		return KindPolling, nil
	case "none", "":
		return KindNone, nil
	}
	return KindNone, fmt.Errorf("unknown transport tier %q", s)
}

// Transport is one live delivery channel.
//
// Connect performs the handshake and returns once the transport can
// deliver events or has failed. After a successful Connect, events and
// unexpected disconnects are reported to the Handler the transport was
// built with. Close never triggers HandleDrop.
type Transport interface {
	Kind() Kind
	Connect(ctx context.Context) error
	// SetSubscriptions replaces the set of channels the transport listens on.
	SetSubscriptions(subs []event.Subscription)
	// Send publishes an outbound event on the same connection. Receive-only
	// tiers return ErrSendUnsupported.
	Send(ctx context.Context, e event.Event) error
	Close() error
}

// Batch is a group of events delivered together.
type Batch struct {
	Events []event.Event
	// Since and Cursor are set by polling: the position that was requested
	// and the position the response reached.
	Since  string
	Cursor string
}

// Handler receives what a transport delivers. Implementations must be
// safe to call from any goroutine.
type Handler interface {
	HandleEvents(b Batch)
	// HandleDrop reports that an established connection was lost.
	HandleDrop(err error)
}

// Factory builds an unconnected transport of the given tier.
type Factory func(kind Kind, subs []event.Subscription, h Handler) (Transport, error)

// CursorSource yields the current poll cursor.
type CursorSource interface {
	Get() string
}

// Config carries the tuning shared by all tiers.
type Config struct {
	// RelayURL is the websocket endpoint of the streaming relay.
	RelayURL string
	// Realm is passed on channel authorization requests.
	Realm string
	// Protocol is the preferred relay subprotocol.
	Protocol string
	// KeepaliveTimeout bounds silence on push connections before they are
	// considered dropped.
	KeepaliveTimeout time.Duration
	PollInterval     time.Duration
	// HandshakeTimeout bounds connection attempts the transport starts on
	// its own, such as re-dialing after a subscription change.
	HandshakeTimeout time.Duration
}

const (
	DefaultKeepaliveTimeout = 45 * time.Second
	DefaultPollInterval     = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}
