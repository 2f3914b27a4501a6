package realtime_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/config"
	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/realtime"
	"github.com/dgnsrekt/rental-realtime/internal/server"
	"github.com/dgnsrekt/rental-realtime/internal/transport"
	"github.com/dgnsrekt/rental-realtime/internal/wire"
)

func startRelay(t *testing.T) (*server.Relay, *httptest.Server) {
	t.Helper()
	relay, err := server.NewRelay(&config.ServerConfig{
		SigningKey: "integration",
		GrantTTL:   time.Minute,
		Keepalive:  100 * time.Millisecond,
		PollLimit:  100,
		Retention:  time.Hour,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	router, err := server.NewRouter(relay, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return relay, srv
}

func openSession(t *testing.T, srv *httptest.Server, user, relayPath string) *realtime.Session {
	t.Helper()
	client := api.NewClient(api.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, RatePerSecond: 100},
		api.StaticIdentity{User: user, Bearer: user}, nil)
	s, err := realtime.NewSession(realtime.Options{
		Config: realtime.Config{
			Transport: transport.Config{
				RelayURL:     "ws" + strings.TrimPrefix(srv.URL, "http") + relayPath,
				Realm:        "rental",
				Protocol:     wire.SubprotocolProtobuf,
				PollInterval: 50 * time.Millisecond,
			},
			HandshakeTimeout:  2 * time.Second,
			ReconnectDelay:    50 * time.Millisecond,
			PromotionInterval: time.Hour,
			TypingQuietPeriod: 100 * time.Millisecond,
			TypingTTL:         time.Second,
		},
		API:    client,
		UserID: user,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type inbox struct {
	mu       sync.Mutex
	messages []string
	receipts []realtime.Receipt
}

func (b *inbox) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnMessage: func(e event.Event) {
			b.mu.Lock()
			b.messages = append(b.messages, e.ID)
			b.mu.Unlock()
		},
		OnReadReceipt: func(r realtime.Receipt) {
			b.mu.Lock()
			b.receipts = append(b.receipts, r)
			b.mu.Unlock()
		},
	}
}

func (b *inbox) count() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages), len(b.receipts)
}

func TestSession_StreamingEndToEnd(t *testing.T) {
	relay, srv := startRelay(t)
	guest := openSession(t, srv, "guest", "/relay")
	host := openSession(t, srv, "host", "/relay")

	var guestBox, hostBox inbox
	if _, err := guest.Subscribe(event.ScopeConversation, "c1", guestBox.handlers()); err != nil {
		t.Fatal(err)
	}
	if _, err := host.Subscribe(event.ScopeConversation, "c1", hostBox.handlers()); err != nil {
		t.Fatal(err)
	}
	live := realtime.Status{State: realtime.StateConnected, Tier: transport.KindStreaming}
	eventually(t, "guest streaming", func() bool { return guest.ConnectionState() == live })
	eventually(t, "host streaming", func() bool { return host.ConnectionState() == live })

	m, err := relay.Publish(event.Event{Kind: event.KindMessage, ConversationID: "c1", SenderID: "host"})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "message delivered", func() bool { n, _ := guestBox.count(); return n == 1 })

	ctx := context.Background()
	if err := guest.MarkRead(ctx, m.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := guest.MarkRead(ctx, m.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	eventually(t, "receipt at host", func() bool { _, r := hostBox.count(); return r == 1 })
	eventually(t, "host knows reader", func() bool {
		readers := host.Readers(m.ID)
		return len(readers) == 1 && readers[0] == "guest"
	})

	if err := guest.SendTyping(ctx, "c1", true); err != nil {
		t.Fatalf("send typing: %v", err)
	}
	eventually(t, "typing at host", func() bool {
		typing := host.Typing("c1")
		return len(typing) == 1 && typing[0] == "guest"
	})
	eventually(t, "typing expires", func() bool { return len(host.Typing("c1")) == 0 })

	time.Sleep(100 * time.Millisecond)
	if n, r := guestBox.count(); n != 1 {
		t.Errorf("guest saw %d messages, %d receipts; want exactly one message", n, r)
	}
}

func TestSession_FallsBackToServerPush(t *testing.T) {
	relay, srv := startRelay(t)
	// No websocket endpoint at this path.
	s := openSession(t, srv, "guest", "/missing")

	var box inbox
	if _, err := s.Subscribe(event.ScopeConversation, "c1", box.handlers()); err != nil {
		t.Fatal(err)
	}
	want := realtime.Status{State: realtime.StateDegraded, Tier: transport.KindServerPush}
	eventually(t, "server push", func() bool { return s.ConnectionState() == want })

	for i := 0; i < 3; i++ {
		if _, err := relay.Publish(event.Event{Kind: event.KindMessage, ConversationID: "c1", SenderID: "host"}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "messages via stream", func() bool { n, _ := box.count(); return n == 3 })
	if s.Cursor() == "" {
		t.Error("cursor should advance with delivered events")
	}
}
