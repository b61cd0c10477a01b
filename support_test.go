package corvid

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

const (
	milli = time.Millisecond
	hour  = time.Hour
)

// ============================================================================
// Test Doubles
// ============================================================================

type deliveredCall struct {
	ConversationID string
	MessageID      string
	ParticipantID  string
}

type readCall struct {
	ConversationID string
	MessageIDs     []string
	ParticipantID  string
}

// fakeStore is a controllable in-memory MessageStore. Sends can be made
// to fail with scripted errors, and Push drives subscribed listeners the
// way a server snapshot would.
type fakeStore struct {
	mu           sync.Mutex
	sent         []SendRequest
	sendErrs     []error
	delivered    []deliveredCall
	reads        []readCall
	edits        []string
	subs         map[string]func([]Message)
	subscribeErr error
	unsubCount   int
	canDelete    CanDelete
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]func([]Message))}
}

// failSends scripts the next sends to fail with err. A nil entry in the
// script means success; once the script is exhausted sends succeed.
func (f *fakeStore) failSends(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.sendErrs = append(f.sendErrs, err)
	}
}

func (f *fakeStore) sentRequests() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SendRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeStore) deliveredCalls() []deliveredCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]deliveredCall, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func (f *fakeStore) readCalls() []readCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]readCall, len(f.reads))
	copy(out, f.reads)
	return out
}

// Push emits a server snapshot to the conversation's subscriber.
func (f *fakeStore) Push(conversationID string, msgs []Message) {
	f.mu.Lock()
	cb := f.subs[conversationID]
	f.mu.Unlock()
	if cb != nil {
		cb(msgs)
	}
}

func (f *fakeStore) CreateOrGetConversation(ctx context.Context, selfID, peerID string) (string, error) {
	return "conv-" + selfID + "-" + peerID, nil
}

func (f *fakeStore) SendMessage(ctx context.Context, req SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	if err != nil {
		return err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, conversationID string, onMessages func([]Message)) (UnsubscribeFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subs[conversationID] = onMessages
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, conversationID)
		f.unsubCount++
	}, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, conversationID, messageID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveredCall{conversationID, messageID, participantID})
	return nil
}

func (f *fakeStore) MarkRead(ctx context.Context, conversationID string, messageIDs []string, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readCall{conversationID, messageIDs, participantID})
	return nil
}

func (f *fakeStore) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, messageID+"="+text)
	return nil
}

func (f *fakeStore) DeleteForEveryone(ctx context.Context, conversationID, messageID string) error {
	return nil
}

func (f *fakeStore) DeleteForMe(ctx context.Context, conversationID, messageID, participantID string) error {
	return nil
}

func (f *fakeStore) CanDeleteMessage(ctx context.Context, conversationID, messageID, participantID string) (CanDelete, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canDelete, nil
}

var _ MessageStore = (*fakeStore)(nil)

// mockStore is a testify mock for tests that assert on exact call
// arguments rather than scripted behavior.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateOrGetConversation(ctx context.Context, selfID, peerID string) (string, error) {
	args := m.Called(ctx, selfID, peerID)
	return args.String(0), args.Error(1)
}

func (m *mockStore) SendMessage(ctx context.Context, req SendRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockStore) Subscribe(ctx context.Context, conversationID string, onMessages func([]Message)) (UnsubscribeFunc, error) {
	args := m.Called(ctx, conversationID, onMessages)
	fn, _ := args.Get(0).(UnsubscribeFunc)
	return fn, args.Error(1)
}

func (m *mockStore) MarkDelivered(ctx context.Context, conversationID, messageID, participantID string) error {
	return m.Called(ctx, conversationID, messageID, participantID).Error(0)
}

func (m *mockStore) MarkRead(ctx context.Context, conversationID string, messageIDs []string, participantID string) error {
	return m.Called(ctx, conversationID, messageIDs, participantID).Error(0)
}

func (m *mockStore) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	return m.Called(ctx, conversationID, messageID, text).Error(0)
}

func (m *mockStore) DeleteForEveryone(ctx context.Context, conversationID, messageID string) error {
	return m.Called(ctx, conversationID, messageID).Error(0)
}

func (m *mockStore) DeleteForMe(ctx context.Context, conversationID, messageID, participantID string) error {
	return m.Called(ctx, conversationID, messageID, participantID).Error(0)
}

func (m *mockStore) CanDeleteMessage(ctx context.Context, conversationID, messageID, participantID string) (CanDelete, error) {
	args := m.Called(ctx, conversationID, messageID, participantID)
	cd, _ := args.Get(0).(CanDelete)
	return cd, args.Error(1)
}

var _ MessageStore = (*mockStore)(nil)

// newTestSafeStore builds a SafeStore over a fresh MemoryKV with fast
// retry timings.
func newTestSafeStore(kv KV) *SafeStore {
	return NewSafeStore(kv, &SafeStoreOptions{
		OpTimeout:      100 * milli,
		BatchTimeout:   200 * milli,
		RetryDelay:     milli,
		HealthInterval: hour,
	})
}
