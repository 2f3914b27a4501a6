package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrSendUnsupported is returned by receive-only tiers.
	ErrSendUnsupported = errors.New("transport is receive-only")
	ErrNotConnected    = errors.New("transport is not connected")
	ErrClosed          = errors.New("transport closed")
)

// HandshakeError means a tier could not be established.
type HandshakeError struct {
	Tier Kind
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake: %v", e.Tier, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DropError means an established tier lost its connection.
type DropError struct {
	Tier Kind
	Err  error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("%s dropped: %v", e.Tier, e.Err)
}

func (e *DropError) Unwrap() error { return e.Err }

// SendError wraps a failed outbound operation.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PollError wraps a failed poll cycle. It is logged, never surfaced.
type PollError struct {
	Since string
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll since %q: %v", e.Since, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
