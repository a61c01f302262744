package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

// PersistenceSink stores finalized transcript segments. Implementations must
// be safe for concurrent use; segments can arrive out of sequence order.
type PersistenceSink interface {
	AppendTranscript(ctx context.Context, sessionID string, turnSequence uint64, role conversations.Role, text string, timestamp time.Time) error
	MarkIncomplete(ctx context.Context, sessionID string, turnSequence uint64, reason string) error
}

// SegmentAppender is implemented by sinks that store the full segment,
// including its source and duration.
type SegmentAppender interface {
	AppendSegment(ctx context.Context, segment conversations.TranscriptSegment) error
}

type SessionRecorder interface {
	BeginSession(ctx context.Context, session conversations.Session) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// SequenceResumer is implemented by sinks that outlive a session. Start
// continues a reused session id at the returned sequence so stored turns are
// never renumbered.
type SequenceResumer interface {
	NextSequence(ctx context.Context, sessionID string) (uint64, error)
}

type PersonaRecorder interface {
	RecordPersona(ctx context.Context, sessionID string, turnSequence uint64, persona string, at time.Time) error
}

type persistence struct {
	sink     PersistenceSink
	segments SegmentAppender
	sessions SessionRecorder
	personas PersonaRecorder
	resumer  SequenceResumer
}

func newPersistence(sink PersistenceSink) persistence {
	p := persistence{sink: sink}
	if sink == nil {
		return p
	}
	if segments, ok := sink.(SegmentAppender); ok {
		p.segments = segments
	}
	if sessions, ok := sink.(SessionRecorder); ok {
		p.sessions = sessions
	}
	if personas, ok := sink.(PersonaRecorder); ok {
		p.personas = personas
	}
	if resumer, ok := sink.(SequenceResumer); ok {
		p.resumer = resumer
	}
	return p
}

func (p persistence) isConfigured() bool { return p.sink != nil }

func (p persistence) appendSegment(ctx context.Context, segment conversations.TranscriptSegment) error {
	if !p.isConfigured() {
		return nil
	}
	if p.segments != nil {
		return p.segments.AppendSegment(ctx, segment)
	}
	return p.sink.AppendTranscript(ctx, segment.SessionID, segment.TurnSequence, segment.Role, segment.Text, segment.Timestamp)
}

func (p persistence) markIncomplete(ctx context.Context, sessionID string, turnSequence uint64, reason string) error {
	if !p.isConfigured() {
		return nil
	}
	return p.sink.MarkIncomplete(ctx, sessionID, turnSequence, reason)
}

func (p persistence) beginSession(ctx context.Context, session conversations.Session) error {
	if p.sessions == nil {
		return nil
	}
	return p.sessions.BeginSession(ctx, session)
}

func (p persistence) endSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if p.sessions == nil {
		return nil
	}
	return p.sessions.EndSession(ctx, sessionID, endedAt)
}

func (p persistence) recordPersona(ctx context.Context, sessionID string, turnSequence uint64, persona string, at time.Time) error {
	if p.personas == nil {
		return nil
	}
	return p.personas.RecordPersona(ctx, sessionID, turnSequence, persona, at)
}

func (p persistence) nextSequence(ctx context.Context, sessionID string) (uint64, error) {
	if p.resumer == nil {
		return 0, nil
	}
	return p.resumer.NextSequence(ctx, sessionID)
}
