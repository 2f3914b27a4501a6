package api

import (
	"context"
	"errors"
)

// Identity is the authenticated session as seen by the real-time layer.
// The identity provider itself lives outside this module.
type Identity interface {
	UserID() string
	Token(ctx context.Context) (string, error)
}

// StaticIdentity is an Identity with a fixed bearer token.
type StaticIdentity struct {
	User   string
	Bearer string
}

func (s StaticIdentity) UserID() string { return s.User }

func (s StaticIdentity) Token(context.Context) (string, error) {
	if s.Bearer == "" {
		return "", errors.New("no session token")
	}
	return s.Bearer, nil
}
