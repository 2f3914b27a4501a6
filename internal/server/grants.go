package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

var (
	ErrChannelDenied = errors.New("channel not permitted for caller")
	ErrInvalidGrant  = errors.New("invalid channel grant")
)

// GrantClaims binds a user to one channel, and optionally to one relay
// connection.
type GrantClaims struct {
	Channel      string `json:"chn"`
	ConnectionID string `json:"cid,omitempty"`
	Realm        string `json:"rlm,omitempty"`
	jwt.RegisteredClaims
}

// Grants signs and verifies channel grants.
type Grants struct {
	secret []byte
	ttl    time.Duration
}

// NewGrants builds a signer. An empty secret is replaced by a random one,
// which invalidates grants across restarts.
func NewGrants(secret string, ttl time.Duration) (*Grants, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		key = []byte(hex.EncodeToString(key))
	}
	return &Grants{secret: key, ttl: ttl}, nil
}

// Authorize decides whether user may attach to channel. User channels
// belong to their owner; conversation channels are open to any
// authenticated caller.
func Authorize(user, channel string) error {
	sub, err := event.ParseChannel(channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelDenied, err)
	}
	if sub.Scope == event.ScopeUser && sub.OwnerID != user {
		return fmt.Errorf("%w: %s", ErrChannelDenied, channel)
	}
	return nil
}

// Issue signs a grant for user on channel.
func (g *Grants) Issue(user, channel, connectionID, realm string) (string, time.Time, error) {
	if strings.TrimSpace(user) == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	now := time.Now()
	expires := now.Add(g.ttl)
	claims := GrantClaims{
		Channel:      channel,
		ConnectionID: connectionID,
		Realm:        realm,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign grant: %w", err)
	}
	return token, expires, nil
}

// Verify checks token against channel and connectionID and returns the
// granted user. A grant without a connection id is valid on any
// connection.
func (g *Grants) Verify(token, channel, connectionID string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &GrantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	claims, ok := parsed.Claims.(*GrantClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidGrant
	}
	if claims.Channel != channel {
		return "", fmt.Errorf("%w: issued for %s", ErrInvalidGrant, claims.Channel)
	}
	if claims.ConnectionID != "" && claims.ConnectionID != connectionID {
		return "", fmt.Errorf("%w: issued for another connection", ErrInvalidGrant)
	}
	return claims.Subject, nil
}
