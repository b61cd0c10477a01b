package corvid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Delivery / Read Receipt Tracker
// ============================================================================

// ReceiptOptions tunes receipt marking behavior.
type ReceiptOptions struct {
	// ReadDelay debounces read marking so messages merely scrolled past
	// are not marked as read immediately.
	ReadDelay time.Duration
	Clock     Clock
	Logger    *zap.Logger
}

func (o *ReceiptOptions) defaults() {
	if o.ReadDelay == 0 {
		o.ReadDelay = time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// ReceiptTracker issues delivered/read receipt updates for the current
// participant and derives display status for the participant's own
// messages. Delivery marking happens once per message per session,
// tracked by a processed set scoped to the active conversation.
type ReceiptTracker struct {
	store  MessageStore
	selfID string
	opts   ReceiptOptions
	log    *zap.Logger

	mu             sync.Mutex
	conversationID string
	processed      map[string]struct{}
	pendingRead    map[string]struct{}
	readTimer      bool
	closed         bool
	stopCh         chan struct{}
}

// NewReceiptTracker creates a tracker for the given participant.
func NewReceiptTracker(store MessageStore, selfID string, opts *ReceiptOptions) *ReceiptTracker {
	var o ReceiptOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ReceiptTracker{
		store:       store,
		selfID:      selfID,
		opts:        o,
		log:         o.Logger,
		processed:   make(map[string]struct{}),
		pendingRead: make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// SetConversation switches the active conversation, clearing the
// processed set and dropping any not-yet-flushed read batch.
func (t *ReceiptTracker) SetConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
	t.processed = make(map[string]struct{})
	t.pendingRead = make(map[string]struct{})
}

// Close stops any pending read flush.
func (t *ReceiptTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.stopCh)
	}
}

// ── Pure filters ─────────────────────────────────────────────────────────

// Undelivered filters messages the current participant has not received:
// self-authored and already-delivered messages are excluded.
func (t *ReceiptTracker) Undelivered(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.SenderID == t.selfID || m.IsOptimistic {
			continue
		}
		if m.DeliveredToContains(t.selfID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Unread filters messages the current participant has not read.
func (t *ReceiptTracker) Unread(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.SenderID == t.selfID || m.IsOptimistic {
			continue
		}
		if m.ReadByContains(t.selfID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Status derives the display status for one of the participant's own
// messages: read beats delivered beats sent. The sender's own id never
// counts toward either set.
func (t *ReceiptTracker) Status(m Message) MessageStatus {
	if m.IsOptimistic || m.Status == StatusSending || m.Status == StatusFailed {
		return m.Status
	}
	for _, id := range m.ReadBy {
		if id != m.SenderID {
			return StatusRead
		}
	}
	for _, id := range m.DeliveredTo {
		if id != m.SenderID {
			return StatusDelivered
		}
	}
	return StatusSent
}

// ── Receipt updates ──────────────────────────────────────────────────────

// MarkDelivered requests a delivered receipt for each message not
// authored by the current participant and not yet processed this
// session. Failed updates stay unprocessed and are retried on the next
// observation.
func (t *ReceiptTracker) MarkDelivered(ctx context.Context, msgs []Message) {
	t.mu.Lock()
	conv := t.conversationID
	var todo []Message
	for _, m := range t.Undelivered(msgs) {
		if _, done := t.processed[m.ID]; done {
			continue
		}
		todo = append(todo, m)
	}
	t.mu.Unlock()

	for _, m := range todo {
		if err := t.store.MarkDelivered(ctx, conv, m.ID, t.selfID); err != nil {
			t.log.Warn("mark_delivered_failed", zap.String("messageId", m.ID), zap.Error(err))
			continue
		}
		t.mu.Lock()
		if t.conversationID == conv {
			t.processed[m.ID] = struct{}{}
		}
		t.mu.Unlock()
	}
}

// MarkRead schedules a read receipt for the given messages. Ids are
// batched and flushed after the read delay; ids arriving while a flush
// is pending join the same batch.
func (t *ReceiptTracker) MarkRead(ctx context.Context, msgs []Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for _, m := range t.Unread(msgs) {
		t.pendingRead[m.ID] = struct{}{}
	}
	start := !t.readTimer && len(t.pendingRead) > 0
	if start {
		t.readTimer = true
	}
	t.mu.Unlock()

	if start {
		go t.flushReadAfterDelay(ctx)
	}
}

func (t *ReceiptTracker) flushReadAfterDelay(ctx context.Context) {
	select {
	case <-t.stopCh:
		return
	case <-ctx.Done():
		return
	case <-t.opts.Clock.After(t.opts.ReadDelay):
	}

	t.mu.Lock()
	conv := t.conversationID
	ids := make([]string, 0, len(t.pendingRead))
	for id := range t.pendingRead {
		ids = append(ids, id)
	}
	t.pendingRead = make(map[string]struct{})
	t.readTimer = false
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := t.store.MarkRead(ctx, conv, ids, t.selfID); err != nil {
		t.log.Warn("mark_read_failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}
