package corvid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(store MessageStore) *ReceiptTracker {
	tr := NewReceiptTracker(store, "alice", &ReceiptOptions{ReadDelay: 10 * milli})
	tr.SetConversation("c1")
	return tr
}

func TestStatusDerivation(t *testing.T) {
	tr := newTestTracker(newFakeStore())

	tests := []struct {
		name string
		msg  Message
		want MessageStatus
	}{
		{"optimistic passes through", Message{IsOptimistic: true, Status: StatusSending}, StatusSending},
		{"failed passes through", Message{Status: StatusFailed}, StatusFailed},
		{"no receipts", Message{SenderID: "alice", Status: StatusSent}, StatusSent},
		{"delivered to peer", Message{SenderID: "alice", Status: StatusSent, DeliveredTo: []string{"bob"}}, StatusDelivered},
		{"read beats delivered", Message{SenderID: "alice", Status: StatusSent, DeliveredTo: []string{"bob"}, ReadBy: []string{"bob"}}, StatusRead},
		{"own id never counts", Message{SenderID: "alice", Status: StatusSent, DeliveredTo: []string{"alice"}, ReadBy: []string{"alice"}}, StatusSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Status(tt.msg))
		})
	}
}

func TestUndeliveredAndUnreadFilters(t *testing.T) {
	tr := newTestTracker(newFakeStore())

	msgs := []Message{
		{ID: "m1", SenderID: "alice"},                                   // self-authored
		{ID: "m2", SenderID: "bob", IsOptimistic: true},                 // not confirmed
		{ID: "m3", SenderID: "bob", DeliveredTo: []string{"alice"}},     // already delivered
		{ID: "m4", SenderID: "bob"},                                     // needs both
		{ID: "m5", SenderID: "bob", ReadBy: []string{"alice"}},          // already read
	}

	und := tr.Undelivered(msgs)
	require.Len(t, und, 2)
	assert.Equal(t, "m4", und[0].ID)
	assert.Equal(t, "m5", und[1].ID)

	unr := tr.Unread(msgs)
	require.Len(t, unr, 2)
	assert.Equal(t, "m3", unr[0].ID)
	assert.Equal(t, "m4", unr[1].ID)
}

func TestMarkDeliveredOncePerMessage(t *testing.T) {
	store := newFakeStore()
	tr := newTestTracker(store)
	ctx := context.Background()

	msgs := []Message{{ID: "m1", SenderID: "bob"}, {ID: "m2", SenderID: "bob"}}
	tr.MarkDelivered(ctx, msgs)
	tr.MarkDelivered(ctx, msgs) // same observation again

	calls := store.deliveredCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, deliveredCall{"c1", "m1", "alice"}, calls[0])
	assert.Equal(t, deliveredCall{"c1", "m2", "alice"}, calls[1])
}

func TestMarkDeliveredRetriesAfterFailure(t *testing.T) {
	store := &mockStore{}
	tr := NewReceiptTracker(store, "alice", &ReceiptOptions{ReadDelay: 10 * milli})
	tr.SetConversation("c1")
	ctx := context.Background()

	msg := Message{ID: "m1", SenderID: "bob"}
	store.On("MarkDelivered", ctx, "c1", "m1", "alice").Return(Errf(KindOffline, "down")).Once()
	store.On("MarkDelivered", ctx, "c1", "m1", "alice").Return(nil).Once()

	tr.MarkDelivered(ctx, []Message{msg})
	tr.MarkDelivered(ctx, []Message{msg}) // retried: failure did not mark it processed
	tr.MarkDelivered(ctx, []Message{msg}) // now processed, no third call

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "MarkDelivered", 2)
}

func TestMarkReadDebouncesIntoOneBatch(t *testing.T) {
	store := newFakeStore()
	tr := newTestTracker(store)
	ctx := context.Background()

	tr.MarkRead(ctx, []Message{{ID: "m1", SenderID: "bob"}})
	tr.MarkRead(ctx, []Message{{ID: "m2", SenderID: "bob"}})
	tr.MarkRead(ctx, []Message{{ID: "m1", SenderID: "bob"}}) // duplicate id

	assert.Empty(t, store.readCalls(), "flush waits for the read delay")

	assert.Eventually(t, func() bool {
		return len(store.readCalls()) == 1
	}, time.Second, 2*milli)

	call := store.readCalls()[0]
	assert.Equal(t, "c1", call.ConversationID)
	assert.Equal(t, "alice", call.ParticipantID)
	assert.ElementsMatch(t, []string{"m1", "m2"}, call.MessageIDs)
}

func TestMarkReadSkipsOwnAndReadMessages(t *testing.T) {
	store := newFakeStore()
	tr := newTestTracker(store)
	ctx := context.Background()

	tr.MarkRead(ctx, []Message{
		{ID: "m1", SenderID: "alice"},
		{ID: "m2", SenderID: "bob", ReadBy: []string{"alice"}},
	})

	time.Sleep(30 * milli)
	assert.Empty(t, store.readCalls(), "nothing unread, no batch scheduled")
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	store := newFakeStore()
	tr := newTestTracker(store)

	tr.MarkRead(context.Background(), []Message{{ID: "m1", SenderID: "bob"}})
	tr.Close()

	time.Sleep(30 * milli)
	assert.Empty(t, store.readCalls())
}

func TestSetConversationDropsState(t *testing.T) {
	store := newFakeStore()
	tr := newTestTracker(store)
	ctx := context.Background()

	tr.MarkDelivered(ctx, []Message{{ID: "m1", SenderID: "bob"}})
	tr.SetConversation("c2")
	tr.MarkDelivered(ctx, []Message{{ID: "m1", SenderID: "bob"}})

	calls := store.deliveredCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ConversationID)
	assert.Equal(t, "c2", calls[1].ConversationID)
}
