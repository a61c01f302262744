package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

type segmentKey struct {
	sessionID string
	sequence  uint64
}

// Memory is a thread-safe in-memory DataStore. It backs the local mode and
// tests.
type Memory struct {
	mu sync.Mutex

	sessions    map[string]conversations.Session
	segments    map[segmentKey]conversations.TranscriptSegment
	incomplete  map[segmentKey]IncompleteTurn
	transitions map[segmentKey]PersonaTransition

	// AppendErr, when set, fails every segment write.
	AppendErr   error
	AppendCalls int
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    map[string]conversations.Session{},
		segments:    map[segmentKey]conversations.TranscriptSegment{},
		incomplete:  map[segmentKey]IncompleteTurn{},
		transitions: map[segmentKey]PersonaTransition{},
	}
}

func (m *Memory) Close() {}

func (m *Memory) BeginSession(_ context.Context, session conversations.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.Active = true
	session.EndedAt = nil
	m.sessions[session.ID] = session
	return nil
}

func (m *Memory) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	session.Active = false
	session.EndedAt = &endedAt
	m.sessions[sessionID] = session
	return nil
}

func (m *Memory) AppendTranscript(ctx context.Context, sessionID string, turnSequence uint64, role conversations.Role, text string, timestamp time.Time) error {
	return m.AppendSegment(ctx, conversations.TranscriptSegment{
		SessionID:    sessionID,
		TurnSequence: turnSequence,
		Role:         role,
		Text:         text,
		Timestamp:    timestamp,
		Source:       conversations.SourceSlowPath,
	})
}

func (m *Memory) AppendSegment(_ context.Context, segment conversations.TranscriptSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls++
	if m.AppendErr != nil {
		return m.AppendErr
	}

	key := segmentKey{sessionID: segment.SessionID, sequence: segment.TurnSequence}
	if stored, ok := m.segments[key]; ok {
		if stored.Text != segment.Text {
			return fmt.Errorf("%w: session %s turn %d", ErrSegmentConflict, segment.SessionID, segment.TurnSequence)
		}
		return nil
	}
	if segment.Source == "" {
		segment.Source = conversations.SourceSlowPath
	}
	m.segments[key] = segment
	return nil
}

func (m *Memory) MarkIncomplete(_ context.Context, sessionID string, turnSequence uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := segmentKey{sessionID: sessionID, sequence: turnSequence}
	m.incomplete[key] = IncompleteTurn{
		SessionID:    sessionID,
		TurnSequence: turnSequence,
		Reason:       reason,
		RecordedAt:   time.Now(),
	}
	return nil
}

func (m *Memory) RecordPersona(_ context.Context, sessionID string, turnSequence uint64, persona string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := segmentKey{sessionID: sessionID, sequence: turnSequence}
	m.transitions[key] = PersonaTransition{
		SessionID:    sessionID,
		TurnSequence: turnSequence,
		Persona:      persona,
		At:           at,
	}
	return nil
}

func (m *Memory) NextSequence(_ context.Context, sessionID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next uint64
	bump := func(key segmentKey) {
		if key.sessionID == sessionID && key.sequence+1 > next {
			next = key.sequence + 1
		}
	}
	for key := range m.segments {
		bump(key)
	}
	for key := range m.incomplete {
		bump(key)
	}
	for key := range m.transitions {
		bump(key)
	}
	return next, nil
}

func (m *Memory) Session(_ context.Context, sessionID string) (conversations.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return conversations.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (m *Memory) Transcript(_ context.Context, sessionID string) ([]conversations.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segments := []conversations.TranscriptSegment{}
	for key, segment := range m.segments {
		if key.sessionID == sessionID {
			segments = append(segments, segment)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].TurnSequence < segments[j].TurnSequence })
	return segments, nil
}

func (m *Memory) IncompleteTurns(_ context.Context, sessionID string) ([]IncompleteTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := []IncompleteTurn{}
	for key, turn := range m.incomplete {
		if key.sessionID == sessionID {
			turns = append(turns, turn)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].TurnSequence < turns[j].TurnSequence })
	return turns, nil
}

func (m *Memory) PersonaTransitions(_ context.Context, sessionID string) ([]PersonaTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transitions := []PersonaTransition{}
	for key, transition := range m.transitions {
		if key.sessionID == sessionID {
			transitions = append(transitions, transition)
		}
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].TurnSequence < transitions[j].TurnSequence })
	return transitions, nil
}
