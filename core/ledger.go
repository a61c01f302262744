package orchestration

import (
	"sync"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-classroom/core/conversations"
)

type ledgerState int

const (
	ledgerPending ledgerState = iota
	ledgerPersisting
	ledgerPersisted
	ledgerAbandoned
)

type claimResult int

const (
	claimAcquired claimResult = iota
	claimNotFound
	// claimSettled means the turn was already persisted, is being persisted or
	// was abandoned. Finalizing it again is a no-op.
	claimSettled
)

type ledgerEntry struct {
	segment conversations.TranscriptSegment
	state   ledgerState
}

// ledger guarantees at most one persisted segment per turn. Entries are
// registered when a turn closes, before any transcription starts.
type ledger struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*ledgerEntry
	order   []uuid.UUID
}

func newLedger() *ledger {
	return &ledger{entries: map[uuid.UUID]*ledgerEntry{}}
}

func (l *ledger) register(turnID uuid.UUID, segment conversations.TranscriptSegment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[turnID]; ok {
		return
	}
	l.entries[turnID] = &ledgerEntry{segment: segment}
	l.order = append(l.order, turnID)
}

func (l *ledger) claim(turnID uuid.UUID) (conversations.TranscriptSegment, claimResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[turnID]
	if !ok {
		return conversations.TranscriptSegment{}, claimNotFound
	}
	if entry.state != ledgerPending {
		return entry.segment, claimSettled
	}
	entry.state = ledgerPersisting
	return entry.segment, claimAcquired
}

// release returns a claimed turn to pending after a failed write.
func (l *ledger) release(turnID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[turnID]; ok && entry.state == ledgerPersisting {
		entry.state = ledgerPending
	}
}

func (l *ledger) complete(turnID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[turnID]; ok && (entry.state == ledgerPersisting || entry.state == ledgerAbandoned) {
		entry.state = ledgerPersisted
	}
}

// abandon settles a turn that will never be persisted. It reports false when
// the turn is already settled.
func (l *ledger) abandon(turnID uuid.UUID) (conversations.TranscriptSegment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[turnID]
	if !ok || entry.state != ledgerPending {
		return conversations.TranscriptSegment{}, false
	}
	entry.state = ledgerAbandoned
	return entry.segment, true
}

// abandonUnsettled abandons every turn not yet persisted, in sequence order.
// Turns with a write in flight are abandoned too; a write that still succeeds
// leaves them persisted.
func (l *ledger) abandonUnsettled() []conversations.TranscriptSegment {
	l.mu.Lock()
	defer l.mu.Unlock()

	abandoned := []conversations.TranscriptSegment{}
	for _, turnID := range l.order {
		entry := l.entries[turnID]
		if entry.state == ledgerPending || entry.state == ledgerPersisting {
			entry.state = ledgerAbandoned
			abandoned = append(abandoned, entry.segment)
		}
	}
	return abandoned
}

func (l *ledger) state(turnID uuid.UUID) (ledgerState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[turnID]
	if !ok {
		return 0, false
	}
	return entry.state, true
}
