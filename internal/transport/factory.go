package transport

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
)

// NewFactory builds the production transports for every tier.
// onPollFailure may be nil.
func NewFactory(cfg Config, client api.Client, cursor CursorSource, logger *zap.Logger, onPollFailure func(error)) Factory {
	return func(kind Kind, subs []event.Subscription, h Handler) (Transport, error) {
		switch kind {
		case KindStreaming:
			return NewStreaming(cfg, client, subs, h, logger), nil
		case KindServerPush:
			return NewServerPush(cfg, client, subs, h, logger), nil
		case KindPolling:
			p := NewPolling(cfg, client, cursor, subs, h, logger)
			if onPollFailure != nil {
				p.OnFailure(onPollFailure)
			}
			return p, nil
		}
		return nil, fmt.Errorf("no transport for tier %s", kind)
	}
}
