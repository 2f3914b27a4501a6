package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
)

// Polling is the last-resort tier. It polls once per interval, starting
// immediately, and never reports a drop: failed cycles are logged and
// retried on the next tick.
type Polling struct {
	cfg       Config
	api       api.Client
	cursor    CursorSource
	handler   Handler
	logger    *zap.Logger
	onFailure func(error)

	mu     sync.Mutex
	subs   []event.Subscription
	cancel context.CancelFunc
	closed bool
	wake   chan struct{}
}

var _ Transport = (*Polling)(nil)

func NewPolling(cfg Config, client api.Client, cursor CursorSource, subs []event.Subscription, h Handler, logger *zap.Logger) *Polling {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Polling{
		cfg:     cfg.withDefaults(),
		api:     client,
		cursor:  cursor,
		handler: h,
		logger:  logger.With(zap.String("tier", KindPolling.String())),
		subs:    append([]event.Subscription(nil), subs...),
		wake:    make(chan struct{}, 1),
	}
}

// OnFailure registers a callback for failed poll cycles.
func (p *Polling) OnFailure(fn func(error)) {
	p.mu.Lock()
	p.onFailure = fn
	p.mu.Unlock()
}

func (p *Polling) Kind() Kind { return KindPolling }

// Connect starts the poll loop. It cannot fail short of the transport
// having been closed.
func (p *Polling) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &HandshakeError{Tier: KindPolling, Err: ErrClosed}
	}
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return nil
}

func (p *Polling) run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.wake:
			p.poll(ctx)
		}
	}
}

func (p *Polling) poll(ctx context.Context) {
	p.mu.Lock()
	channels := event.Channels(p.subs)
	onFailure := p.onFailure
	p.mu.Unlock()
	if len(channels) == 0 {
		return
	}

	since := ""
	if p.cursor != nil {
		since = p.cursor.Get()
	}
	resp, err := p.api.Poll(ctx, since, channels)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		perr := &PollError{Since: since, Err: err}
		p.logger.Warn("poll failed", zap.Error(perr), zap.Bool("temporary", api.IsTemporary(err)))
		if onFailure != nil {
			onFailure(perr)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	for i := range resp.Events {
		resp.Events[i].ReceivedAt = now
	}
	p.logger.Debug("poll complete",
		zap.Int("events", len(resp.Events)),
		zap.String("cursor", resp.LatestCursor),
	)
	p.handler.HandleEvents(Batch{Events: resp.Events, Since: since, Cursor: resp.LatestCursor})
}

// SetSubscriptions takes effect with an immediate extra poll.
func (p *Polling) SetSubscriptions(subs []event.Subscription) {
	p.mu.Lock()
	p.subs = append([]event.Subscription(nil), subs...)
	running := p.cancel != nil && !p.closed
	p.mu.Unlock()
	if running {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Polling) Send(context.Context, event.Event) error {
	return ErrSendUnsupported
}

func (p *Polling) Close() error {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
