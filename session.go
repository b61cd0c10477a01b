package corvid

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation Session
// ============================================================================

// SendOptions carries the optional fields of a send.
type SendOptions struct {
	Type         MessageType
	RecipientID  string
	SenderAvatar string
	ReplyTo      string
	Attachments  []Attachment
	Voice        *VoiceData
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// MaxTextLen rejects oversized sends before they enter the ledger.
	MaxTextLen int
	// SendTimeout bounds a direct (non-queued) send call.
	SendTimeout time.Duration
	// TypingWindow is how long a typing signal counts as "still typing".
	TypingWindow time.Duration
	Outbox       *OutboxOptions
	Receipts     *ReceiptOptions
	Clock        Clock
	Logger       *zap.Logger
}

func (o *SessionOptions) defaults() {
	if o.MaxTextLen == 0 {
		o.MaxTextLen = 4096
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.TypingWindow == 0 {
		o.TypingWindow = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session is the per-user engine facade: it owns the optimistic ledger,
// the offline send queue, the receipt tracker, and the merge pipeline for
// one conversation at a time. Constructed explicitly and disposed with
// Close so tests can run isolated instances.
type Session struct {
	store    MessageStore
	safe     *SafeStore
	ledger   *Ledger
	outbox   *Outbox
	receipts *ReceiptTracker
	merger   *Merger
	selfID   string
	selfName string
	opts     SessionOptions
	log      *zap.Logger

	mu             sync.Mutex
	conversationID string
	typingUsers    map[string]any
	unsubscribe    UnsubscribeFunc
	onUpdate       func([]Message)
	lastServer     []Message
	lastMerged     []Message
}

// NewSession builds a session for the given participant. The SafeStore
// backs the offline queue; pass one over MemoryKV when no durable
// backend is available.
func NewSession(store MessageStore, safe *SafeStore, selfID, selfName string, opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	ledger := NewLedger()
	obOpts := o.Outbox
	if obOpts == nil {
		obOpts = &OutboxOptions{}
	}
	if obOpts.Clock == nil {
		obOpts.Clock = o.Clock
	}
	if obOpts.Logger == nil {
		obOpts.Logger = o.Logger
	}
	rcOpts := o.Receipts
	if rcOpts == nil {
		rcOpts = &ReceiptOptions{}
	}
	if rcOpts.Clock == nil {
		rcOpts.Clock = o.Clock
	}
	if rcOpts.Logger == nil {
		rcOpts.Logger = o.Logger
	}

	return &Session{
		store:       store,
		safe:        safe,
		ledger:      ledger,
		outbox:      NewOutbox(store, safe, ledger, obOpts),
		receipts:    NewReceiptTracker(store, selfID, rcOpts),
		merger:      NewMerger(ledger, selfID, o.Logger),
		selfID:      selfID,
		selfName:    selfName,
		opts:        o,
		log:         o.Logger,
		typingUsers: make(map[string]any),
	}
}

// Init restores the persisted outbox after a restart.
func (s *Session) Init(ctx context.Context) {
	s.outbox.Restore(ctx)
}

// CreateOrGetConversation returns the direct conversation with peerID.
func (s *Session) CreateOrGetConversation(ctx context.Context, peerID string) (string, error) {
	return s.store.CreateOrGetConversation(ctx, s.selfID, peerID)
}

// Open subscribes to a conversation. Any previous subscription is torn
// down first so a replaced view cannot leak a listener that keeps
// feeding the merge pipeline. onUpdate receives the merged display list.
func (s *Session) Open(ctx context.Context, conversationID string, onUpdate func([]Message)) error {
	s.mu.Lock()
	if prev := s.unsubscribe; prev != nil {
		s.unsubscribe = nil
		s.mu.Unlock()
		prev()
		s.mu.Lock()
	}
	s.conversationID = conversationID
	s.onUpdate = onUpdate
	s.lastServer = nil
	s.lastMerged = nil
	s.typingUsers = make(map[string]any)
	s.mu.Unlock()

	s.ledger.Clear()
	s.receipts.SetConversation(conversationID)

	unsub, err := s.store.Subscribe(ctx, conversationID, s.handleServerMessages)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	return nil
}

// Close tears down the subscription and clears conversation-scoped state.
// The outbox keeps its durable entries; only the ledger is dropped.
func (s *Session) Close() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.onUpdate = nil
	s.conversationID = ""
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.receipts.Close()
	s.ledger.Clear()
}

func (s *Session) handleServerMessages(msgs []Message) {
	s.mu.Lock()
	s.lastServer = msgs
	s.mu.Unlock()

	merged := s.refresh()

	ctx := context.Background()
	s.receipts.MarkDelivered(ctx, merged)
	s.receipts.MarkRead(ctx, merged)
}

// refresh re-merges the last server snapshot against the ledger and
// notifies the update callback.
func (s *Session) refresh() []Message {
	s.mu.Lock()
	server := s.lastServer
	s.mu.Unlock()

	merged := s.merger.Merge(server)

	s.mu.Lock()
	s.lastMerged = merged
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb(merged)
	}
	return merged
}

// Messages returns the latest merged display list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.lastMerged))
	copy(out, s.lastMerged)
	return out
}

// ── Sending ──────────────────────────────────────────────────────────────

// Send validates the text, records an optimistic entry so the message is
// visible immediately, and either sends directly (online) or queues
// durably (offline or transient failure). Validation failures never
// enter the ledger.
func (s *Session) Send(ctx context.Context, text string, opts *SendOptions) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, Errf(KindValidation, "message text is empty")
	}
	if len(text) > s.opts.MaxTextLen {
		return Message{}, Errf(KindValidation, "message text exceeds %d bytes", s.opts.MaxTextLen)
	}

	var so SendOptions
	if opts != nil {
		so = *opts
	}
	if so.Type == "" {
		so.Type = MessageText
	}

	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()

	optimisticID := NewOptimisticID()
	msg := Message{
		ConversationID: conv,
		SenderID:       s.selfID,
		SenderName:     s.selfName,
		SenderAvatar:   so.SenderAvatar,
		Text:           text,
		Type:           so.Type,
		Timestamp:      s.opts.Clock.Now(),
		ReplyTo:        so.ReplyTo,
		Attachments:    so.Attachments,
		Voice:          so.Voice,
	}
	s.ledger.Add(optimisticID, msg)
	s.refresh()

	req := SendRequest{
		ConversationID: conv,
		SenderID:       s.selfID,
		SenderName:     s.selfName,
		RecipientID:    so.RecipientID,
		Text:           text,
		Type:           so.Type,
		SenderAvatar:   so.SenderAvatar,
		ReplyTo:        so.ReplyTo,
		Attachments:    so.Attachments,
		Voice:          so.Voice,
		Metadata:       map[string]any{metaOptimisticID: optimisticID},
	}

	out, _ := s.ledger.Get(optimisticID)

	if !s.outbox.IsOnline() {
		s.outbox.Enqueue(ctx, req, optimisticID)
		return out, nil
	}

	err := s.sendDirect(ctx, req)
	switch {
	case err == nil:
		// The subscription delivers the confirmed copy, which evicts
		// the optimistic entry on the next merge.
		return out, nil
	case Retryable(err):
		s.log.Debug("direct_send_queued", zap.String("optimisticId", optimisticID), zap.Error(err))
		s.outbox.Enqueue(ctx, req, optimisticID)
		return out, nil
	default:
		s.ledger.MarkFailed(optimisticID)
		s.refresh()
		return out, err
	}
}

// sendDirect races the store call against the send timeout.
func (s *Session) sendDirect(ctx context.Context, req SendRequest) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.store.SendMessage(cctx, req) }()
	select {
	case err := <-done:
		return err
	case <-s.opts.Clock.After(s.opts.SendTimeout):
		return Errf(KindTimeout, "send exceeded %s", s.opts.SendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry re-attempts a failed send, either through its queued entry or,
// when the failure never reached the queue, by rebuilding the request
// from the ledger entry.
func (s *Session) Retry(ctx context.Context, optimisticID string) error {
	if s.outbox.Retry(ctx, optimisticID) {
		return nil
	}
	msg, ok := s.ledger.Get(optimisticID)
	if !ok {
		return Errf(KindValidation, "no failed message with id %s", optimisticID)
	}
	s.ledger.MarkSending(optimisticID)
	s.refresh()
	req := SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		Type:           msg.Type,
		SenderAvatar:   msg.SenderAvatar,
		ReplyTo:        msg.ReplyTo,
		Attachments:    msg.Attachments,
		Voice:          msg.Voice,
		Metadata:       map[string]any{metaOptimisticID: optimisticID},
	}
	err := s.sendDirect(ctx, req)
	if err != nil {
		if Retryable(err) {
			s.outbox.Enqueue(ctx, req, optimisticID)
			return nil
		}
		s.ledger.MarkFailed(optimisticID)
		s.refresh()
		return err
	}
	return nil
}

// ── Edit / delete ────────────────────────────────────────────────────────

// Edit replaces the text of a sent message.
func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return Errf(KindValidation, "message text is empty")
	}
	if len(text) > s.opts.MaxTextLen {
		return Errf(KindValidation, "message text exceeds %d bytes", s.opts.MaxTextLen)
	}
	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()
	return s.store.EditMessage(ctx, conv, messageID, text)
}

// CanDelete reports which deletion modes are available for a message,
// with a user-facing reason when one is not.
func (s *Session) CanDelete(ctx context.Context, messageID string) (CanDelete, error) {
	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()
	return s.store.CanDeleteMessage(ctx, conv, messageID, s.selfID)
}

// DeleteForEveryone hides a message from all participants.
func (s *Session) DeleteForEveryone(ctx context.Context, messageID string) error {
	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()
	return s.store.DeleteForEveryone(ctx, conv, messageID)
}

// DeleteForMe hides a message from the current participant only.
func (s *Session) DeleteForMe(ctx context.Context, messageID string) error {
	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()
	return s.store.DeleteForMe(ctx, conv, messageID, s.selfID)
}

// ── Connectivity, stats, typing ──────────────────────────────────────────

// SetOnline feeds the connectivity signal; the offline→online transition
// drains the queue.
func (s *Session) SetOnline(online bool) {
	s.outbox.SetOnline(online)
}

// Drain forces a drain pass, for a manual "retry all" affordance.
func (s *Session) Drain(ctx context.Context) {
	s.outbox.Drain(ctx)
}

// Stats returns the aggregate outbox view.
func (s *Session) Stats() QueueStats {
	return s.outbox.Stats()
}

// Status derives the display status of a message for the current viewer.
func (s *Session) Status(m Message) MessageStatus {
	return s.receipts.Status(m)
}

// SetTyping records a typing signal for a participant.
func (s *Session) SetTyping(userID string, at any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingUsers[userID] = at
}

// AnyoneTyping reports whether another participant typed recently.
func (s *Session) AnyoneTyping() bool {
	s.mu.Lock()
	conv := Conversation{ID: s.conversationID, TypingUsers: s.typingUsers}
	s.mu.Unlock()
	return conv.AnyoneTyping(s.selfID, s.opts.Clock.Now(), s.opts.TypingWindow)
}
