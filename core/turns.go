package orchestration

import (
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
)

type openTurn struct {
	sequence uint64
	frames   [][]byte
	bytes    int
	maxBytes int
}

// append adds a frame and drops the oldest frames once the turn holds more
// than maxBytes. It returns the number of bytes dropped.
func (t *openTurn) append(frame []byte) int {
	t.frames = append(t.frames, frame)
	t.bytes += len(frame)

	dropped := 0
	for t.maxBytes > 0 && t.bytes > t.maxBytes && len(t.frames) > 1 {
		oldest := len(t.frames[0])
		t.frames[0] = nil
		t.frames = t.frames[1:]
		t.bytes -= oldest
		dropped += oldest
	}
	return dropped
}

// turnTracker assigns sequence numbers at detection time and keeps the
// session history ordered by them. It is owned by the dispatch loop.
type turnTracker struct {
	encoding     audio.EncodingInfo
	maxTurnBytes int
	nextSeq      uint64
	// base is the sequence of history[0].
	base uint64

	open    map[conversations.Role]*openTurn
	preRoll map[conversations.Role]*preRoll

	// history[i].Sequence == base + i
	history []conversations.TurnEvent
}

func newTurnTracker(encoding audio.EncodingInfo, preRollDuration, maxTurnDuration time.Duration) *turnTracker {
	preRollBytes := encoding.BytesFor(preRollDuration)
	return &turnTracker{
		encoding:     encoding,
		maxTurnBytes: encoding.BytesFor(maxTurnDuration),
		open:         map[conversations.Role]*openTurn{},
		preRoll: map[conversations.Role]*preRoll{
			conversations.RoleUser:  {maxBytes: preRollBytes},
			conversations.RoleAgent: {maxBytes: preRollBytes},
		},
	}
}

// resume continues numbering at next. Only valid before the first turn.
func (t *turnTracker) resume(next uint64) {
	if len(t.history) > 0 {
		return
	}
	t.base = next
	t.nextSeq = next
}

func (t *turnTracker) isOpen(role conversations.Role) bool {
	_, ok := t.open[role]
	return ok
}

func (t *turnTracker) openSequence(role conversations.Role) (uint64, bool) {
	turn, ok := t.open[role]
	if !ok {
		return 0, false
	}
	return turn.sequence, true
}

// addFrame attributes a frame to the open turn of its role, or to the role's
// pre-roll when no turn is open. It returns the bytes the open turn dropped
// to stay within the maximum turn duration, with that turn's sequence.
func (t *turnTracker) addFrame(role conversations.Role, frame []byte) (uint64, int) {
	if turn, ok := t.open[role]; ok {
		return turn.sequence, turn.append(frame)
	}
	if ring, ok := t.preRoll[role]; ok {
		ring.add(frame)
	}
	return 0, 0
}

// start opens a turn. A start while the role already has an open turn is a
// duplicate edge and is ignored.
func (t *turnTracker) start(role conversations.Role, at time.Time, persona string) (conversations.TurnEvent, bool) {
	if t.isOpen(role) {
		return conversations.TurnEvent{}, false
	}

	turn := &openTurn{sequence: t.allocate(), maxBytes: t.maxTurnBytes}
	if ring, ok := t.preRoll[role]; ok {
		for _, frame := range ring.take() {
			turn.append(frame)
		}
	}
	t.open[role] = turn

	event := conversations.TurnEvent{
		ID:        uuid.New(),
		Sequence:  turn.sequence,
		Role:      role,
		Source:    conversations.SourceSlowPath,
		Persona:   persona,
		StartedAt: at,
		Status:    conversations.TurnOpen,
	}
	t.history = append(t.history, event)
	return event, true
}

// end closes the open turn of role and returns it with its audio. An end
// without an open turn is ignored.
func (t *turnTracker) end(role conversations.Role, at time.Time) (conversations.TurnEvent, [][]byte, bool) {
	turn, ok := t.open[role]
	if !ok {
		return conversations.TurnEvent{}, nil, false
	}
	delete(t.open, role)

	event := &t.history[turn.sequence-t.base]
	event.EndedAt = at
	event.Status = conversations.TurnClosed
	event.Audio = conversations.AudioSpan{
		Frames:   len(turn.frames),
		Bytes:    turn.bytes,
		Duration: t.encoding.Duration(turn.bytes),
	}
	return *event, turn.frames, true
}

// textTurn records a closed user turn submitted as text.
func (t *turnTracker) textTurn(at time.Time, persona string) conversations.TurnEvent {
	event := conversations.TurnEvent{
		ID:        uuid.New(),
		Sequence:  t.allocate(),
		Role:      conversations.RoleUser,
		Source:    conversations.SourceTextInput,
		Persona:   persona,
		StartedAt: at,
		EndedAt:   at,
		Status:    conversations.TurnClosed,
	}
	t.history = append(t.history, event)
	return event
}

func (t *turnTracker) allocate() uint64 {
	sequence := t.nextSeq
	t.nextSeq++
	return sequence
}

func (t *turnTracker) turn(sequence uint64) (*conversations.TurnEvent, bool) {
	if sequence < t.base || sequence-t.base >= uint64(len(t.history)) {
		return nil, false
	}
	return &t.history[sequence-t.base], true
}

func (t *turnTracker) openRoles() []conversations.Role {
	roles := []conversations.Role{}
	for _, role := range []conversations.Role{conversations.RoleUser, conversations.RoleAgent} {
		if t.isOpen(role) {
			roles = append(roles, role)
		}
	}
	return roles
}

// finalized returns the turns that carry finalized text, in sequence order.
func (t *turnTracker) finalized() []conversations.TurnEvent {
	finalized := make([]conversations.TurnEvent, 0, len(t.history))
	for _, turn := range t.history {
		if turn.FinalizedText != nil {
			finalized = append(finalized, turn)
		}
	}
	return finalized
}
