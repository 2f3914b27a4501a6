// Package receipts tracks read state: messages this session has marked
// read and receipts observed from other participants.
package receipts

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/rental-realtime/internal/event"
)

var ErrEmptyMessageID = errors.New("message id is required")

// MarkFunc issues the idempotent mark-read request.
type MarkFunc func(ctx context.Context, messageID string) error

// Tracker deduplicates outbound mark-read calls and records inbound
// receipts per (message, reader).
type Tracker struct {
	self   string
	mark   MarkFunc
	logger *zap.Logger
	calls  singleflight.Group

	mu      sync.Mutex
	marked  map[string]bool
	readers map[string]map[string]bool
}

func NewTracker(selfID string, mark MarkFunc, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		self:    selfID,
		mark:    mark,
		logger:  logger,
		marked:  make(map[string]bool),
		readers: make(map[string]map[string]bool),
	}
}

// MarkRead marks messageID read once per session. Concurrent calls for the
// same message share one request. It reports whether this call performed
// the transition; a failed request leaves the message unmarked so the
// caller may retry.
func (t *Tracker) MarkRead(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}
	if t.IsMarked(messageID) {
		return false, nil
	}

	v, err, _ := t.calls.Do(messageID, func() (any, error) {
		if t.IsMarked(messageID) {
			return false, nil
		}
		if err := t.mark(ctx, messageID); err != nil {
			return false, err
		}
		t.mu.Lock()
		t.marked[messageID] = true
		t.mu.Unlock()
		t.record(messageID, t.self)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Apply records an inbound read_receipt event. Applying the same
// (message, reader) twice is a no-op; it reports whether anything changed.
func (t *Tracker) Apply(e event.Event) (event.ReadReceipt, bool, error) {
	r, err := e.ReadReceipt()
	if err != nil {
		return event.ReadReceipt{}, false, err
	}
	if r.MessageID == "" {
		return r, false, ErrEmptyMessageID
	}
	changed := t.record(r.MessageID, r.ReaderID)
	if changed {
		t.logger.Debug("read receipt applied",
			zap.String("messageID", r.MessageID),
			zap.String("readerID", r.ReaderID),
		)
	}
	return r, changed, nil
}

func (t *Tracker) record(messageID, readerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if readerID == t.self && t.self != "" {
		t.marked[messageID] = true
	}
	if readerID == "" {
		return false
	}
	set := t.readers[messageID]
	if set == nil {
		set = make(map[string]bool)
		t.readers[messageID] = set
	}
	if set[readerID] {
		return false
	}
	set[readerID] = true
	return true
}

// IsMarked reports whether this session has marked messageID read.
func (t *Tracker) IsMarked(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marked[messageID]
}

func (t *Tracker) ReadBy(messageID, readerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readers[messageID][readerID]
}

// Readers returns who has read messageID, sorted.
func (t *Tracker) Readers(messageID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.readers[messageID]))
	for r := range t.readers[messageID] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
