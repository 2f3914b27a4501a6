package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
)

var errKeepaliveTimeout = errors.New("no data within keepalive timeout")

// ServerPush is the one-way streaming tier. It reads server-sent events
// (or newline-delimited JSON) from a long-lived HTTP response.
type ServerPush struct {
	cfg     Config
	api     api.Client
	handler Handler
	logger  *zap.Logger

	mu     sync.Mutex
	subs   []event.Subscription
	cancel context.CancelFunc
	// stream identifies the current response; readers of older streams
	// exit silently.
	stream uint64
	live   bool
	closed bool

	redialMu sync.Mutex
}

var _ Transport = (*ServerPush)(nil)

func NewServerPush(cfg Config, client api.Client, subs []event.Subscription, h Handler, logger *zap.Logger) *ServerPush {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerPush{
		cfg:     cfg.withDefaults(),
		api:     client,
		handler: h,
		logger:  logger.With(zap.String("tier", KindServerPush.String())),
		subs:    append([]event.Subscription(nil), subs...),
	}
}

func (p *ServerPush) Kind() Kind { return KindServerPush }

func (p *ServerPush) Connect(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		_ = p.Close()
		return &HandshakeError{Tier: KindServerPush, Err: err}
	}
	return nil
}

// open authorizes every channel and starts a new stream. A stream that
// was already running is superseded only once the new one is up.
func (p *ServerPush) open(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	subs := append([]event.Subscription(nil), p.subs...)
	p.mu.Unlock()

	grants := make([]api.Grant, 0, len(subs))
	for _, sub := range subs {
		g, err := p.api.AuthorizeChannel(ctx, api.GrantRequest{Channel: sub.Channel(), Realm: p.cfg.Realm})
		if err != nil {
			return err
		}
		grants = append(grants, *g)
	}

	// The response body outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := p.openStream(ctx, streamCtx, grants)
	if err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		_ = resp.Body.Close()
		return ErrClosed
	}
	previous := p.cancel
	p.stream++
	id := p.stream
	p.cancel = cancel
	p.live = true
	stale := !sameChannels(p.subs, subs)
	p.mu.Unlock()

	if previous != nil {
		previous()
	}
	go p.read(id, resp.Body, cancel)
	if stale {
		go p.redial()
	}
	p.logger.Debug("event stream open", zap.Int("channels", len(grants)))
	return nil
}

func (p *ServerPush) openStream(ctx, streamCtx context.Context, grants []api.Grant) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := p.api.OpenStream(streamCtx, grants)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.resp != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *ServerPush) read(id uint64, body io.ReadCloser, cancel context.CancelFunc) {
	defer body.Close()

	var timedOut atomic.Bool
	keepalive := time.AfterFunc(p.cfg.KeepaliveTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer keepalive.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	var data []string
	for scanner.Scan() {
		keepalive.Reset(p.cfg.KeepaliveTimeout)
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				p.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment, used as a heartbeat
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "{"):
			p.dispatch(line)
		}
	}

	err := scanner.Err()
	switch {
	case timedOut.Load():
		err = errKeepaliveTimeout
	case err == nil:
		err = io.EOF
	}

	p.mu.Lock()
	current := id == p.stream && !p.closed
	if current {
		p.live = false
	}
	p.mu.Unlock()
	if !current {
		return
	}
	p.logger.Info("event stream dropped", zap.Error(err))
	p.handler.HandleDrop(&DropError{Tier: KindServerPush, Err: err})
}

func (p *ServerPush) dispatch(data string) {
	e, err := event.Decode([]byte(data))
	if err != nil {
		p.logger.Debug("skipping stream record", zap.Error(err))
		return
	}
	e.ReceivedAt = time.Now()
	p.handler.HandleEvents(Batch{Events: []event.Event{e}})
}

// SetSubscriptions re-dials the stream when the channel set changes.
func (p *ServerPush) SetSubscriptions(subs []event.Subscription) {
	p.mu.Lock()
	if sameChannels(p.subs, subs) {
		p.mu.Unlock()
		return
	}
	p.subs = append([]event.Subscription(nil), subs...)
	live := p.live && !p.closed
	p.mu.Unlock()
	if live {
		go p.redial()
	}
}

func (p *ServerPush) redial() {
	p.redialMu.Lock()
	defer p.redialMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandshakeTimeout)
	defer cancel()
	err := p.open(ctx)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	p.mu.Lock()
	if p.closed || !p.live {
		p.mu.Unlock()
		return
	}
	p.stream++
	old := p.cancel
	p.cancel = nil
	p.live = false
	p.mu.Unlock()
	if old != nil {
		old()
	}
	p.handler.HandleDrop(&DropError{Tier: KindServerPush, Err: fmt.Errorf("resubscribe: %w", err)})
}

func (p *ServerPush) Send(context.Context, event.Event) error {
	return ErrSendUnsupported
}

func (p *ServerPush) Close() error {
	p.mu.Lock()
	p.closed = true
	p.live = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func sameChannels(a, b []event.Subscription) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s.Channel()] = true
	}
	for _, s := range b {
		if !set[s.Channel()] {
			return false
		}
	}
	return true
}
