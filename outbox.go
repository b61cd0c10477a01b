package corvid

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Offline Send Queue
// ============================================================================

// outboxKeyPrefix scopes persisted queues; one key per conversation.
const outboxKeyPrefix = "outbox:"

// OutboxOptions tunes retry and timeout policy for queued sends.
type OutboxOptions struct {
	// MaxAttempts bounds tries per entry before it is surfaced as failed.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the exponential retry curve.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SendTimeout bounds a single underlying send call.
	SendTimeout time.Duration
	Clock       Clock
	Logger      *zap.Logger
}

func (o *OutboxOptions) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Outbox persists unsent messages per conversation and drains them in
// enqueue order when connectivity returns. Entries survive process
// restarts through the SafeStore; the in-memory queues are the working
// copy and the durable copy is best effort (persistence failure degrades
// to memory-only, never blocks a send).
type Outbox struct {
	store  MessageStore
	safe   *SafeStore
	ledger *Ledger
	opts   OutboxOptions
	log    *zap.Logger

	mu       sync.Mutex
	online   bool
	draining bool
	queues   map[string][]*QueuedMessage
}

// NewOutbox creates an outbox draining into store, persisting through
// safe, and clearing ledger entries as sends confirm.
func NewOutbox(store MessageStore, safe *SafeStore, ledger *Ledger, opts *OutboxOptions) *Outbox {
	var o OutboxOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Outbox{
		store:  store,
		safe:   safe,
		ledger: ledger,
		opts:   o,
		log:    o.Logger,
		online: true,
		queues: make(map[string][]*QueuedMessage),
	}
}

// Restore loads persisted queues after a restart. Entries caught mid-send
// by a crash are reset to pending; at-most-once delivery is preserved
// because a send is only removed from the queue after it succeeds.
func (o *Outbox) Restore(ctx context.Context) {
	keys, ok := o.safe.SafeKeys(ctx, outboxKeyPrefix, nil)
	if !ok {
		o.log.Warn("outbox_restore_list_failed")
		return
	}
	for _, key := range keys {
		res := o.safe.SafeGet(ctx, key, nil)
		if !res.Success || res.Data == nil {
			continue
		}
		var entries []*QueuedMessage
		if err := json.Unmarshal(res.Data, &entries); err != nil {
			o.log.Warn("outbox_restore_decode_failed", zap.String("key", key), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.State == QueueSending {
				e.State = QueuePending
			}
		}
		conv := key[len(outboxKeyPrefix):]
		o.mu.Lock()
		o.queues[conv] = entries
		o.mu.Unlock()
	}
	o.updateMetrics()
}

// IsOnline returns the current connectivity state.
func (o *Outbox) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline updates connectivity. The offline→online transition triggers
// a drain pass.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()
	if online && !was {
		go o.Drain(context.Background())
	}
}

// Enqueue persists a send request scoped under its conversation. It
// returns immediately and never blocks on the network.
func (o *Outbox) Enqueue(ctx context.Context, req SendRequest, optimisticID string) *QueuedMessage {
	entry := &QueuedMessage{
		ID:           uuid.NewString(),
		OptimisticID: optimisticID,
		Request:      req,
		EnqueuedAt:   o.opts.Clock.Now(),
		State:        QueuePending,
	}

	o.mu.Lock()
	o.queues[req.ConversationID] = append(o.queues[req.ConversationID], entry)
	o.mu.Unlock()

	o.persist(ctx, req.ConversationID)
	o.updateMetrics()
	o.log.Debug("outbox_enqueued",
		zap.String("conversation", req.ConversationID),
		zap.String("optimisticId", optimisticID),
	)
	return entry
}

// Drain attempts every queued entry in per-conversation FIFO order. Only
// one drain pass runs at a time; overlapping connectivity flaps join the
// in-flight pass by returning immediately.
func (o *Outbox) Drain(ctx context.Context) {
	o.mu.Lock()
	if o.draining || !o.online {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
		o.updateMetrics()
	}()

	for _, conv := range o.conversations() {
		o.drainConversation(ctx, conv)
		if ctx.Err() != nil {
			return
		}
	}
}

func (o *Outbox) conversations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	convs := make([]string, 0, len(o.queues))
	for c := range o.queues {
		convs = append(convs, c)
	}
	sort.Strings(convs)
	return convs
}

// drainConversation sends entries in enqueue order. An entry that
// exhausts its retries is marked failed and skipped so it cannot stall
// the rest of the queue.
func (o *Outbox) drainConversation(ctx context.Context, conv string) {
	for {
		entry := o.nextPending(conv)
		if entry == nil {
			return
		}
		if !o.sendEntry(ctx, conv, entry) {
			return // cancelled or went offline
		}
	}
}

func (o *Outbox) nextPending(conv string) *QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.queues[conv] {
		if e.State == QueuePending {
			e.State = QueueSending
			return e
		}
	}
	return nil
}

// sendEntry works one entry to completion: success, permanent failure, or
// exhausted retries. Returns false when draining should stop entirely.
func (o *Outbox) sendEntry(ctx context.Context, conv string, entry *QueuedMessage) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.opts.BackoffBase
	bo.MaxInterval = o.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	// Resume the curve where a previous drain pass left off.
	for i := 0; i < entry.AttemptCount; i++ {
		bo.NextBackOff()
	}

	for {
		err := o.sendOnce(ctx, entry.Request)
		if err == nil {
			o.removeEntry(ctx, conv, entry.ID)
			o.ledger.Remove(entry.OptimisticID)
			observeSend("ok")
			o.log.Debug("outbox_sent", zap.String("optimisticId", entry.OptimisticID))
			return true
		}

		o.mu.Lock()
		entry.AttemptCount++
		entry.LastError = err.Error()
		exhausted := entry.AttemptCount >= o.opts.MaxAttempts
		permanent := !Retryable(err)
		if exhausted || permanent {
			entry.State = QueueFailed
		}
		o.mu.Unlock()
		observeRetry()

		if exhausted || permanent {
			o.ledger.MarkFailed(entry.OptimisticID)
			o.persist(ctx, conv)
			o.updateMetrics()
			observeSend("failed")
			o.log.Warn("outbox_entry_failed",
				zap.String("optimisticId", entry.OptimisticID),
				zap.Int("attempts", entry.AttemptCount),
				zap.Error(err),
			)
			return true // isolated failure; keep draining later entries
		}

		o.persist(ctx, conv)
		if sleepCtx(ctx, o.opts.Clock, bo.NextBackOff()) != nil {
			o.requeue(ctx, conv, entry)
			return false
		}
		if !o.IsOnline() {
			o.requeue(ctx, conv, entry)
			return false
		}
	}
}

// sendOnce races the underlying send against the send timeout so a hung
// store call cannot wedge the drain loop.
func (o *Outbox) sendOnce(ctx context.Context, req SendRequest) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.store.SendMessage(cctx, req) }()
	select {
	case err := <-done:
		return err
	case <-o.opts.Clock.After(o.opts.SendTimeout):
		return Errf(KindTimeout, "send exceeded %s", o.opts.SendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) requeue(ctx context.Context, conv string, entry *QueuedMessage) {
	o.mu.Lock()
	if entry.State == QueueSending {
		entry.State = QueuePending
	}
	o.mu.Unlock()
	o.persist(ctx, conv)
}

func (o *Outbox) removeEntry(ctx context.Context, conv, entryID string) {
	o.mu.Lock()
	queue := o.queues[conv]
	for i, e := range queue {
		if e.ID == entryID {
			o.queues[conv] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	empty := len(o.queues[conv]) == 0
	if empty {
		delete(o.queues, conv)
	}
	o.mu.Unlock()

	if empty {
		o.safe.SafeRemove(ctx, outboxKeyPrefix+conv)
	} else {
		o.persist(ctx, conv)
	}
	o.updateMetrics()
}

// Retry resets a failed entry for another drain pass, for the UI's
// per-message retry affordance.
func (o *Outbox) Retry(ctx context.Context, optimisticID string) bool {
	o.mu.Lock()
	var conv string
	var found *QueuedMessage
	for c, queue := range o.queues {
		for _, e := range queue {
			if e.OptimisticID == optimisticID && e.State == QueueFailed {
				conv, found = c, e
				break
			}
		}
	}
	if found == nil {
		o.mu.Unlock()
		return false
	}
	found.State = QueuePending
	found.AttemptCount = 0
	found.LastError = ""
	o.mu.Unlock()

	o.ledger.MarkSending(optimisticID)
	o.persist(ctx, conv)
	go o.Drain(context.Background())
	return true
}

// Discard drops an entry (and its optimistic ledger copy) entirely.
func (o *Outbox) Discard(ctx context.Context, optimisticID string) bool {
	o.mu.Lock()
	var conv, entryID string
	for c, queue := range o.queues {
		for _, e := range queue {
			if e.OptimisticID == optimisticID {
				conv, entryID = c, e.ID
				break
			}
		}
	}
	o.mu.Unlock()
	if entryID == "" {
		return false
	}
	o.removeEntry(ctx, conv, entryID)
	o.ledger.Remove(optimisticID)
	return true
}

// Pending returns a snapshot of the queue for one conversation.
func (o *Outbox) Pending(conversationID string) []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue := o.queues[conversationID]
	out := make([]QueuedMessage, len(queue))
	for i, e := range queue {
		out[i] = *e
	}
	return out
}

// Stats returns the aggregate view for UI consumption.
func (o *Outbox) Stats() QueueStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := QueueStats{IsOnline: o.online, IsSyncing: o.draining}
	for _, queue := range o.queues {
		for _, e := range queue {
			if e.State == QueueFailed {
				stats.TotalFailed++
			} else {
				stats.TotalPending++
			}
		}
	}
	return stats
}

func (o *Outbox) persist(ctx context.Context, conv string) {
	o.mu.Lock()
	queue := o.queues[conv]
	data, err := json.Marshal(queue)
	o.mu.Unlock()
	if err != nil {
		o.log.Warn("outbox_encode_failed", zap.String("conversation", conv), zap.Error(err))
		return
	}
	if res := o.safe.SafeSet(ctx, outboxKeyPrefix+conv, data); !res.Success {
		// Degrade to memory-only; the queue still drains this session.
		o.log.Warn("outbox_persist_failed", zap.String("conversation", conv), zap.Error(res.Err))
	}
}

func (o *Outbox) updateMetrics() {
	stats := o.Stats()
	observeOutboxDepth(stats.TotalPending, stats.TotalFailed)
}
