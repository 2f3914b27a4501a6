package realtime

import (
	"errors"
	"testing"

	"github.com/dgnsrekt/rental-realtime/internal/transport"
)

func status(state State, tier transport.Kind) Status {
	return Status{State: state, Tier: tier}
}

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		name      string
		cur       Status
		failures  int
		trig      Trigger
		threshold int
		want      Status
		action    Action
		wantErr   error
	}{
		{
			name: "first subscription starts streaming",
			cur:  status(StateIdle, transport.KindNone), trig: Trigger{Kind: TriggerSubscribe},
			want: status(StateConnecting, transport.KindStreaming), action: ActionConnect,
		},
		{
			name: "later subscriptions are no-ops",
			cur:  status(StateDegraded, transport.KindPolling), trig: Trigger{Kind: TriggerSubscribe},
			want: status(StateDegraded, transport.KindPolling),
		},
		{
			name: "streaming handshake connects",
			cur:  status(StateConnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerHandshakeOK},
			want: status(StateConnected, transport.KindStreaming),
		},
		{
			name: "lower tier handshake is degraded",
			cur:  status(StateConnecting, transport.KindServerPush), trig: Trigger{Kind: TriggerHandshakeOK},
			want: status(StateDegraded, transport.KindServerPush),
		},
		{
			name: "reconnect on same tier",
			cur:  status(StateReconnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerHandshakeOK},
			want: status(StateConnected, transport.KindStreaming),
		},
		{
			name: "streaming failure falls to server push",
			cur:  status(StateConnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerHandshakeFailed},
			want: status(StateConnecting, transport.KindServerPush), action: ActionConnect,
		},
		{
			name: "server push failure falls to polling",
			cur:  status(StateConnecting, transport.KindServerPush), trig: Trigger{Kind: TriggerHandshakeFailed},
			want: status(StateConnecting, transport.KindPolling), action: ActionConnect,
		},
		{
			name: "polling failure retries polling",
			cur:  status(StateConnecting, transport.KindPolling), trig: Trigger{Kind: TriggerHandshakeFailed},
			want: status(StateConnecting, transport.KindPolling), action: ActionReconnect,
		},
		{
			name: "drop schedules reconnect",
			cur:  status(StateConnected, transport.KindStreaming), trig: Trigger{Kind: TriggerDropped},
			want: status(StateReconnecting, transport.KindStreaming), action: ActionReconnect,
		},
		{
			name: "drop while degraded",
			cur:  status(StateDegraded, transport.KindServerPush), trig: Trigger{Kind: TriggerDropped},
			want: status(StateReconnecting, transport.KindServerPush), action: ActionReconnect,
		},
		{
			name: "failed reconnect at threshold falls back",
			cur:  status(StateReconnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerHandshakeFailed}, threshold: 1,
			want: status(StateConnecting, transport.KindServerPush), action: ActionConnect,
		},
		{
			name: "failed reconnect below threshold retries",
			cur:  status(StateReconnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerHandshakeFailed}, threshold: 3,
			want: status(StateReconnecting, transport.KindStreaming), action: ActionReconnect,
		},
		{
			name: "promotion to streaming connects",
			cur:  status(StateDegraded, transport.KindPolling), trig: Trigger{Kind: TriggerPromoted, Tier: transport.KindStreaming},
			want: status(StateConnected, transport.KindStreaming),
		},
		{
			name: "promotion to server push stays degraded",
			cur:  status(StateDegraded, transport.KindPolling), trig: Trigger{Kind: TriggerPromoted, Tier: transport.KindServerPush},
			want: status(StateDegraded, transport.KindServerPush),
		},
		{
			name: "close releases",
			cur:  status(StateDegraded, transport.KindPolling), trig: Trigger{Kind: TriggerClose},
			want: status(StateClosed, transport.KindNone), action: ActionRelease,
		},
		{
			name: "close twice is a no-op",
			cur:  status(StateClosed, transport.KindNone), trig: Trigger{Kind: TriggerClose},
			want: status(StateClosed, transport.KindNone),
		},
		{
			name: "closed is terminal",
			cur:  status(StateClosed, transport.KindNone), trig: Trigger{Kind: TriggerSubscribe},
			want: status(StateClosed, transport.KindNone), wantErr: ErrClosed,
		},
		{
			name: "promotion downward is rejected",
			cur:  status(StateConnected, transport.KindStreaming), trig: Trigger{Kind: TriggerPromoted, Tier: transport.KindPolling},
			want: status(StateConnected, transport.KindStreaming), wantErr: ErrInvalidTransition,
		},
		{
			name: "drop while connecting is stale",
			cur:  status(StateConnecting, transport.KindStreaming), trig: Trigger{Kind: TriggerDropped},
			want: status(StateConnecting, transport.KindStreaming), wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := Transition(tt.cur, tt.failures, tt.trig, tt.threshold)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if step.Next != tt.want {
				t.Errorf("next = %s, want %s", step.Next, tt.want)
			}
			if step.Action != tt.action {
				t.Errorf("action = %d, want %d", step.Action, tt.action)
			}
		})
	}
}

func TestTransition_FailuresAccumulate(t *testing.T) {
	cur := status(StateReconnecting, transport.KindServerPush)
	step, _ := Transition(cur, 0, Trigger{Kind: TriggerHandshakeFailed}, 2)
	if step.Failures != 1 || step.Action != ActionReconnect {
		t.Fatalf("first failure: %+v", step)
	}
	step, _ = Transition(step.Next, step.Failures, Trigger{Kind: TriggerHandshakeFailed}, 2)
	if step.Next != status(StateConnecting, transport.KindPolling) || step.Failures != 0 {
		t.Errorf("second failure should fall back and reset: %+v", step)
	}
}

// The cascade only ever moves down one tier per failure.
func TestTransition_CascadeOrder(t *testing.T) {
	cur := status(StateIdle, transport.KindNone)
	step, _ := Transition(cur, 0, Trigger{Kind: TriggerSubscribe}, 1)
	var seen []transport.Kind
	for i := 0; i < 3; i++ {
		seen = append(seen, step.Next.Tier)
		step, _ = Transition(step.Next, step.Failures, Trigger{Kind: TriggerHandshakeFailed}, 1)
	}
	want := []transport.Kind{transport.KindStreaming, transport.KindServerPush, transport.KindPolling}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("cascade = %v, want %v", seen, want)
		}
	}
}

func TestLoop_RunsInOrderAndStops(t *testing.T) {
	l := newLoop()
	got := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		l.post(func() { got <- i })
	}
	for i := 0; i < 3; i++ {
		if v := <-got; v != i {
			t.Fatalf("callback %d ran as %d", i, v)
		}
	}
	l.stop()
	l.stop()
	<-l.done
	if l.post(func() {}) {
		t.Error("post after stop should be rejected")
	}
}
