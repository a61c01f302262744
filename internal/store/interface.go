// Package store persists classroom sessions and their transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSegmentConflict is returned when a turn already holds different text.
	ErrSegmentConflict = errors.New("transcript segment conflicts with stored turn")
)

// IncompleteTurn is a gap in a transcript: a turn that was detected but never
// transcribed.
type IncompleteTurn struct {
	SessionID    string
	TurnSequence uint64
	Reason       string
	RecordedAt   time.Time
}

// PersonaTransition records the persona that took over at a turn.
type PersonaTransition struct {
	SessionID    string
	TurnSequence uint64
	Persona      string
	At           time.Time
}

// Reader is the read side used by the API and the transcript export.
// The concrete implementations are *Store (pgx-backed) and *Memory.
type Reader interface {
	Session(ctx context.Context, sessionID string) (conversations.Session, error)
	// Transcript returns the segments of a session ordered by turn sequence.
	Transcript(ctx context.Context, sessionID string) ([]conversations.TranscriptSegment, error)
	IncompleteTurns(ctx context.Context, sessionID string) ([]IncompleteTurn, error)
	PersonaTransitions(ctx context.Context, sessionID string) ([]PersonaTransition, error)
}

// Sink is the write side handed to the coordinator.
type Sink interface {
	AppendTranscript(ctx context.Context, sessionID string, turnSequence uint64, role conversations.Role, text string, timestamp time.Time) error
	AppendSegment(ctx context.Context, segment conversations.TranscriptSegment) error
	MarkIncomplete(ctx context.Context, sessionID string, turnSequence uint64, reason string) error
	BeginSession(ctx context.Context, session conversations.Session) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	RecordPersona(ctx context.Context, sessionID string, turnSequence uint64, persona string, at time.Time) error
	// NextSequence returns the first turn sequence no stored record of the
	// session uses, 0 for an unknown session.
	NextSequence(ctx context.Context, sessionID string) (uint64, error)
}

// DataStore is both sides together.
type DataStore interface {
	Reader
	Sink
	Close()
}
