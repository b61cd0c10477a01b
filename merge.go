package corvid

import (
	"sort"

	"go.uber.org/zap"
)

// ============================================================================
// Reconciliation / Merge Engine
// ============================================================================

// Merger reconciles the authoritative server stream with the optimistic
// ledger into a single ordered, deduplicated, deletion-filtered sequence
// for display.
type Merger struct {
	ledger   *Ledger
	viewerID string
	log      *zap.Logger
}

// NewMerger creates a merger for the given viewer.
func NewMerger(ledger *Ledger, viewerID string, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{ledger: ledger, viewerID: viewerID, log: log}
}

// Merge produces the display list. Server messages whose correlation id
// matches a still-present optimistic entry evict that entry from the
// ledger before the lists are combined, so a logical send is never
// rendered twice. The sort is stable: ties on normalized timestamp keep
// concatenation order (server before optimistic), and a malformed
// timestamp normalizes to 0 rather than aborting the whole merge.
func (g *Merger) Merge(serverMessages []Message) []Message {
	filtered := make([]Message, 0, len(serverMessages))
	for _, m := range serverMessages {
		// Confirmation eviction happens even for hidden messages, so a
		// deleted-then-confirmed send still clears its optimistic copy.
		if oid := m.OptimisticID(); oid != "" {
			g.ledger.Remove(oid)
		}
		if m.HiddenFor(g.viewerID) {
			continue
		}
		filtered = append(filtered, m)
	}

	combined := append(filtered, g.ledger.Values()...)

	type keyed struct {
		msg Message
		ms  int64
	}
	items := make([]keyed, len(combined))
	for i, m := range combined {
		ms, ok := normalizeTimestamp(m.Timestamp)
		if !ok && m.Timestamp != nil {
			g.log.Warn("malformed_timestamp", zap.String("messageId", m.ID))
		}
		items[i] = keyed{msg: m, ms: ms}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].ms < items[j].ms })

	out := make([]Message, len(items))
	for i, it := range items {
		out[i] = it.msg
	}
	return out
}
