package realtime

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/rental-realtime/internal/transport"
)

// State is the lifecycle position of a session's connection.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is what consumers observe: the state and the tier behind it.
type Status struct {
	State State          `json:"state"`
	Tier  transport.Kind `json:"tier"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s/%s", s.State, s.Tier)
}

// Live reports whether events are flowing.
func (s Status) Live() bool {
	return s.State == StateConnected || s.State == StateDegraded
}

// TriggerKind names what happened to the connection.
type TriggerKind int

const (
	// TriggerSubscribe is the first subscription registration.
	TriggerSubscribe TriggerKind = iota
	TriggerHandshakeOK
	TriggerHandshakeFailed
	// TriggerDropped is an unexpected disconnect of a live transport.
	TriggerDropped
	// TriggerPromoted carries the higher tier a probe established.
	TriggerPromoted
	TriggerClose
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerSubscribe:
		return "subscribe"
	case TriggerHandshakeOK:
		return "handshake_ok"
	case TriggerHandshakeFailed:
		return "handshake_failed"
	case TriggerDropped:
		return "dropped"
	case TriggerPromoted:
		return "promoted"
	case TriggerClose:
		return "close"
	}
	return "unknown"
}

type Trigger struct {
	Kind TriggerKind
	// Tier is only read for TriggerPromoted.
	Tier transport.Kind
}

// Action tells the selector what to do after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionConnect starts a handshake on the new tier immediately.
	ActionConnect
	// ActionReconnect retries the same tier after the reconnect delay.
	ActionReconnect
	// ActionRelease tears down every transport and timer.
	ActionRelease
)

// Step is the outcome of one transition.
type Step struct {
	Next     Status
	Failures int
	Action   Action
}

var (
	ErrClosed            = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Transition computes the next status for a trigger. failures counts
// consecutive failed reconnect attempts on the current tier; threshold is
// how many are tolerated before falling back. It performs no I/O.
func Transition(cur Status, failures int, trig Trigger, threshold int) (Step, error) {
	if threshold < 1 {
		threshold = 1
	}
	same := Step{Next: cur, Failures: failures, Action: ActionNone}

	if cur.State == StateClosed {
		if trig.Kind == TriggerClose {
			return same, nil
		}
		return same, ErrClosed
	}

	switch trig.Kind {
	case TriggerClose:
		return Step{Next: Status{State: StateClosed, Tier: transport.KindNone}, Action: ActionRelease}, nil

	case TriggerSubscribe:
		if cur.State != StateIdle {
			return same, nil
		}
		return Step{Next: Status{State: StateConnecting, Tier: transport.KindStreaming}, Action: ActionConnect}, nil

	case TriggerHandshakeOK:
		if cur.State != StateConnecting && cur.State != StateReconnecting {
			return same, invalid(cur, trig)
		}
		return Step{Next: liveStatus(cur.Tier)}, nil

	case TriggerHandshakeFailed:
		switch cur.State {
		case StateConnecting:
			return fallBack(cur), nil
		case StateReconnecting:
			failures++
			if failures >= threshold {
				return fallBack(cur), nil
			}
			return Step{Next: cur, Failures: failures, Action: ActionReconnect}, nil
		}
		return same, invalid(cur, trig)

	case TriggerDropped:
		if !cur.Live() {
			return same, invalid(cur, trig)
		}
		return Step{Next: Status{State: StateReconnecting, Tier: cur.Tier}, Action: ActionReconnect}, nil

	case TriggerPromoted:
		if !cur.Live() || trig.Tier <= cur.Tier {
			return same, invalid(cur, trig)
		}
		return Step{Next: liveStatus(trig.Tier)}, nil
	}
	return same, invalid(cur, trig)
}

func liveStatus(tier transport.Kind) Status {
	if tier == transport.KindStreaming {
		return Status{State: StateConnected, Tier: tier}
	}
	return Status{State: StateDegraded, Tier: tier}
}

// fallBack moves to the next tier. Polling has nothing below it, so it
// is retried after the reconnect delay instead.
func fallBack(cur Status) Step {
	next := cur.Tier.Next()
	if next == transport.KindNone {
		return Step{Next: Status{State: StateConnecting, Tier: cur.Tier}, Action: ActionReconnect}
	}
	return Step{Next: Status{State: StateConnecting, Tier: next}, Action: ActionConnect}
}

func invalid(cur Status, trig Trigger) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trig.Kind, cur)
}
