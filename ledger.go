package corvid

import (
	"sort"
	"sync"
)

// ============================================================================
// Optimistic Message Ledger
// ============================================================================

// Ledger holds locally-originated messages awaiting server confirmation,
// keyed by their correlation id. It is pure in-memory bookkeeping and
// never fails; entries do not survive a process restart (the outbox is
// the durable record of intent, not the ledger).
type Ledger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	seq     int
}

type ledgerEntry struct {
	msg Message
	seq int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]ledgerEntry)}
}

// Add inserts an optimistic entry. The message becomes visible in the next
// merge. Status is forced to sending and the correlation id is stamped
// into the metadata so Remove can match the confirmed copy later.
func (l *Ledger) Add(optimisticID string, msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.ID = optimisticID
	msg.IsOptimistic = true
	msg.Status = StatusSending
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata[metaOptimisticID] = optimisticID

	l.seq++
	l.entries[optimisticID] = ledgerEntry{msg: msg, seq: l.seq}
}

// Remove deletes the entry if present. Idempotent.
func (l *Ledger) Remove(optimisticID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, optimisticID)
}

// Get returns the entry for the given correlation id.
func (l *Ledger) Get(optimisticID string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[optimisticID]
	return e.msg, ok
}

// MarkFailed flips the entry's status to failed so the UI can offer a
// retry affordance. No-op when the entry is gone.
func (l *Ledger) MarkFailed(optimisticID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[optimisticID]; ok {
		e.msg.Status = StatusFailed
		l.entries[optimisticID] = e
	}
}

// MarkSending resets a failed entry back to sending, for user retry.
func (l *Ledger) MarkSending(optimisticID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[optimisticID]; ok {
		e.msg.Status = StatusSending
		l.entries[optimisticID] = e
	}
}

// Values returns a snapshot of all entries in insertion order.
func (l *Ledger) Values() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	msgs := make([]Message, len(snapshot))
	for i, e := range snapshot {
		msgs[i] = e.msg
	}
	return msgs
}

// Len returns the number of pending optimistic entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries. Called when a conversation view unmounts.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]ledgerEntry)
	l.seq = 0
}
