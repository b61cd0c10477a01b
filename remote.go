package corvid

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Remote Store
// ============================================================================

// RemoteStore is the production MessageStore: writes go through the HTTP
// API, subscriptions ride the realtime snapshot stream. A fetch on
// subscribe seeds the listener before the first push arrives.
type RemoteStore struct {
	client   *Client
	realtime *RealtimeClient
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]func([]Message)
}

// NewRemoteStore wires an HTTP client and a realtime client together.
// The realtime client must already be configured for the same base URL;
// Connect is the caller's responsibility so connection lifecycle stays
// in one place.
func NewRemoteStore(client *Client, realtime *RealtimeClient, log *zap.Logger) *RemoteStore {
	if log == nil {
		log = zap.NewNop()
	}
	rs := &RemoteStore{
		client:   client,
		realtime: realtime,
		log:      log,
		subs:     make(map[string]func([]Message)),
	}
	realtime.OnSnapshot(rs.handleSnapshot)
	return rs
}

func (rs *RemoteStore) handleSnapshot(p ConversationSnapshotPayload) {
	rs.mu.Lock()
	cb := rs.subs[p.ConversationID]
	rs.mu.Unlock()
	if cb != nil {
		cb(p.Messages)
	}
}

// CreateOrGetConversation resolves the direct conversation between the
// two participants.
func (rs *RemoteStore) CreateOrGetConversation(ctx context.Context, selfID, peerID string) (string, error) {
	return rs.client.CreateDirectConversation(ctx, selfID, peerID)
}

// SendMessage posts a message. The server treats the optimistic id in
// the request metadata as an idempotency key, so a retried send after a
// lost response does not duplicate.
func (rs *RemoteStore) SendMessage(ctx context.Context, req SendRequest) error {
	return rs.client.PostMessage(ctx, req)
}

// Subscribe joins the conversation's snapshot stream and seeds the
// listener with the current history. One listener per conversation; a
// second Subscribe for the same conversation replaces the first.
func (rs *RemoteStore) Subscribe(ctx context.Context, conversationID string, onMessages func([]Message)) (UnsubscribeFunc, error) {
	rs.mu.Lock()
	rs.subs[conversationID] = onMessages
	rs.mu.Unlock()

	if err := rs.realtime.JoinConversation(ctx, conversationID); err != nil {
		rs.mu.Lock()
		delete(rs.subs, conversationID)
		rs.mu.Unlock()
		return nil, err
	}

	msgs, err := rs.client.ListMessages(ctx, conversationID)
	if err != nil {
		// The stream is up; the first push will seed the listener.
		rs.log.Warn("initial_fetch_failed",
			zap.String("conversationId", conversationID), zap.Error(err))
	} else {
		onMessages(msgs)
	}

	return func() {
		rs.mu.Lock()
		delete(rs.subs, conversationID)
		rs.mu.Unlock()
		if err := rs.realtime.LeaveConversation(context.Background(), conversationID); err != nil {
			rs.log.Debug("leave_conversation_failed",
				zap.String("conversationId", conversationID), zap.Error(err))
		}
	}, nil
}

// MarkDelivered records a delivery receipt.
func (rs *RemoteStore) MarkDelivered(ctx context.Context, conversationID, messageID, participantID string) error {
	return rs.client.PostDelivered(ctx, conversationID, messageID, participantID)
}

// MarkRead records read receipts for a batch of messages.
func (rs *RemoteStore) MarkRead(ctx context.Context, conversationID string, messageIDs []string, participantID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return rs.client.PostRead(ctx, conversationID, messageIDs, participantID)
}

// EditMessage replaces the text of a message.
func (rs *RemoteStore) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	return rs.client.PatchMessage(ctx, conversationID, messageID, text)
}

// DeleteForEveryone hides a message from all participants.
func (rs *RemoteStore) DeleteForEveryone(ctx context.Context, conversationID, messageID string) error {
	return rs.client.DeleteMessage(ctx, conversationID, messageID, "all", "")
}

// DeleteForMe hides a message from one participant.
func (rs *RemoteStore) DeleteForMe(ctx context.Context, conversationID, messageID, participantID string) error {
	return rs.client.DeleteMessage(ctx, conversationID, messageID, "self", participantID)
}

// CanDeleteMessage asks the server which deletion modes are allowed.
func (rs *RemoteStore) CanDeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) (CanDelete, error) {
	return rs.client.DeletePolicy(ctx, conversationID, messageID, requesterID)
}

var _ MessageStore = (*RemoteStore)(nil)
