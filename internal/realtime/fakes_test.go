package realtime

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/transport"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

type fakeTransport struct {
	kind transport.Kind
	h    transport.Handler

	mu     sync.Mutex
	subs   []event.Subscription
	sent   []event.Event
	closed bool
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) SetSubscriptions(subs []event.Subscription) {
	f.mu.Lock()
	f.subs = subs
	f.mu.Unlock()
}

func (f *fakeTransport) Send(_ context.Context, e event.Event) error {
	if f.kind != transport.KindStreaming {
		return transport.ErrSendUnsupported
	}
	f.mu.Lock()
	f.sent = append(f.sent, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) push(events ...event.Event) {
	f.h.HandleEvents(transport.Batch{Events: events})
}

// gatedTransport fails, hangs or blocks its handshake as configured, and
// may deliver events before the handshake returns.
type gatedTransport struct {
	*fakeTransport
	err   error
	hang  bool
	block <-chan struct{}
	early []event.Event
}

func (g *gatedTransport) Connect(ctx context.Context) error {
	if len(g.early) > 0 {
		g.push(g.early...)
	}
	if g.block != nil {
		// Ignores ctx entirely.
		<-g.block
		return nil
	}
	if g.hang {
		<-ctx.Done()
		return &transport.HandshakeError{Tier: g.kind, Err: ctx.Err()}
	}
	if g.err != nil {
		return &transport.HandshakeError{Tier: g.kind, Err: g.err}
	}
	return nil
}

// fakeNet hands out fake transports and records every attempt.
type fakeNet struct {
	mu       sync.Mutex
	fail     map[transport.Kind]error
	hang     map[transport.Kind]bool
	block    map[transport.Kind]chan struct{}
	early    map[transport.Kind][]event.Event
	attempts []transport.Kind
	built    []*fakeTransport
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		fail:  map[transport.Kind]error{},
		hang:  map[transport.Kind]bool{},
		block: map[transport.Kind]chan struct{}{},
		early: map[transport.Kind][]event.Event{},
	}
}

func (n *fakeNet) factory(kind transport.Kind, subs []event.Subscription, h transport.Handler) (transport.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, kind)
	ft := &fakeTransport{kind: kind, h: h, subs: subs}
	n.built = append(n.built, ft)
	g := &gatedTransport{fakeTransport: ft, err: n.fail[kind], hang: n.hang[kind], early: n.early[kind]}
	if ch, ok := n.block[kind]; ok {
		g.block = ch
	}
	return g, nil
}

func (n *fakeNet) setFail(kind transport.Kind, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.fail, kind)
		return
	}
	n.fail[kind] = err
}

// last returns the most recent transport of kind.
func (n *fakeNet) last(kind transport.Kind) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.built) - 1; i >= 0; i-- {
		if n.built[i].kind == kind {
			return n.built[i]
		}
	}
	return nil
}

func (n *fakeNet) attemptList() []transport.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.Kind(nil), n.attempts...)
}

func (n *fakeNet) all() []*fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeTransport(nil), n.built...)
}

type fakeAPI struct {
	mu        sync.Mutex
	polls     []string
	pollResp  func(since string) *api.PollResponse
	markReads []string
	markErr   error
	typing    []api.TypingRequest
}

func (f *fakeAPI) AuthorizeChannel(_ context.Context, req api.GrantRequest) (*api.Grant, error) {
	return &api.Grant{Channel: req.Channel, Grant: "g"}, nil
}

func (f *fakeAPI) Poll(_ context.Context, since string, _ []string) (*api.PollResponse, error) {
	f.mu.Lock()
	f.polls = append(f.polls, since)
	fn := f.pollResp
	f.mu.Unlock()
	if fn == nil {
		return &api.PollResponse{LatestCursor: since}, nil
	}
	return fn(since), nil
}

func (f *fakeAPI) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markReads = append(f.markReads, id)
	return nil
}

func (f *fakeAPI) SendTyping(_ context.Context, conv string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, api.TypingRequest{ConversationID: conv, IsTyping: isTyping})
	return nil
}

func (f *fakeAPI) OpenStream(context.Context, []api.Grant) (*http.Response, error) {
	return nil, api.ErrNotFound
}

func (f *fakeAPI) pollSinces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polls...)
}

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

func (f *fakeAPI) typingRequests() []api.TypingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.TypingRequest(nil), f.typing...)
}

func fastConfig() Config {
	return Config{
		HandshakeTimeout:  200 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		PromotionInterval: time.Hour,
		TypingQuietPeriod: 50 * time.Millisecond,
		TypingTTL:         100 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, cfg Config, net *fakeNet, fapi *fakeAPI) *Session {
	t.Helper()
	s, err := NewSession(Options{
		Config:  cfg,
		API:     fapi,
		UserID:  "me",
		Factory: net.factory,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	waitFor(t, want.String(), func() bool { return s.ConnectionState() == want })
}

// collector gathers handler callbacks; it is only touched on the loop
// and read under its lock.
type collector struct {
	mu       sync.Mutex
	messages []event.Event
	notes    []event.Event
	typing   []bool
	receipts []Receipt
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnMessage: func(e event.Event) {
			c.mu.Lock()
			c.messages = append(c.messages, e)
			c.mu.Unlock()
		},
		OnNotification: func(e event.Event) {
			c.mu.Lock()
			c.notes = append(c.notes, e)
			c.mu.Unlock()
		},
		OnTyping: func(st typing.State) {
			c.mu.Lock()
			c.typing = append(c.typing, st.IsTyping)
			c.mu.Unlock()
		},
		OnReadReceipt: func(r Receipt) {
			c.mu.Lock()
			c.receipts = append(c.receipts, r)
			c.mu.Unlock()
		},
	}
}

func (c *collector) messageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, m := range c.messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func (c *collector) typingSeq() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.typing...)
}

func (c *collector) receiptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receipts)
}

func message(id string, ts time.Time) event.Event {
	return event.Event{Kind: event.KindMessage, ID: id, ConversationID: "c1", SenderID: "guest", Timestamp: ts}
}

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }
