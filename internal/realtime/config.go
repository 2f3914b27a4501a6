package realtime

import (
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/dedup"
	"github.com/dgnsrekt/rental-realtime/internal/transport"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultReconnectDelay     = 3 * time.Second
	DefaultReconnectThreshold = 1
	DefaultPromotionInterval  = 60 * time.Second
)

// Config tunes a Session. Zero values take the defaults.
type Config struct {
	Transport          transport.Config
	HandshakeTimeout   time.Duration
	ReconnectDelay     time.Duration
	ReconnectThreshold int
	PromotionInterval  time.Duration
	DedupHorizon       time.Duration
	DedupMaxSize       int
	TypingQuietPeriod  time.Duration
	TypingTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectThreshold <= 0 {
		c.ReconnectThreshold = DefaultReconnectThreshold
	}
	if c.PromotionInterval <= 0 {
		c.PromotionInterval = DefaultPromotionInterval
	}
	if c.DedupHorizon <= 0 {
		c.DedupHorizon = dedup.DefaultHorizon
	}
	if c.DedupMaxSize == 0 {
		c.DedupMaxSize = dedup.DefaultMaxSize
	}
	if c.TypingQuietPeriod <= 0 {
		c.TypingQuietPeriod = typing.DefaultQuietPeriod
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = typing.DefaultTTL
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = c.HandshakeTimeout
	}
	return c
}
