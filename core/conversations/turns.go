package conversations

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAgent }

// Source identifies how the text of a turn was obtained.
type Source string

const (
	// SourceSlowPath marks text produced by transcribing the turn's audio.
	SourceSlowPath Source = "slow_path"
	// SourceTextInput marks turns submitted as text rather than speech.
	SourceTextInput Source = "text_input"
)

// TurnStatus tracks a turn through the transcription path.
type TurnStatus string

const (
	TurnOpen                TurnStatus = "open"
	TurnClosed              TurnStatus = "closed"
	TurnTranscribed         TurnStatus = "transcribed"
	TurnTranscriptionFailed TurnStatus = "transcription_failed"
	TurnIncomplete          TurnStatus = "incomplete"
)

// Terminal reports whether the status can no longer change.
func (s TurnStatus) Terminal() bool {
	switch s {
	case TurnTranscribed, TurnTranscriptionFailed, TurnIncomplete:
		return true
	}
	return false
}

// AudioSpan describes the audio captured for a turn. The frames themselves
// are owned by the transcription task, the span only carries their shape.
type AudioSpan struct {
	Frames   int
	Bytes    int
	Duration time.Duration
}

// TurnEvent is one unit of spoken exchange.
//
// Sequence is assigned when the turn is detected, not when its transcription
// completes, so sorting by it restores real-time order.
type TurnEvent struct {
	ID       uuid.UUID
	Sequence uint64
	Role     Role
	Source   Source
	Persona  string

	Audio AudioSpan

	StartedAt time.Time
	EndedAt   time.Time

	// FinalizedText stays nil until the turn is transcribed.
	FinalizedText *string
	Status        TurnStatus
	// StatusReason explains failed and incomplete turns.
	StatusReason string
}

// Text returns the finalized text or an empty string.
func (t TurnEvent) Text() string {
	if t.FinalizedText == nil {
		return ""
	}
	return *t.FinalizedText
}

// TranscriptSegment is the persisted record of a transcribed turn.
type TranscriptSegment struct {
	SessionID    string
	TurnSequence uint64
	Role         Role
	Text         string
	Timestamp    time.Time
	Source       Source
	DurationMs   int64
}

// Session identifies one continuous conversation.
type Session struct {
	ID        string
	CreatedAt time.Time
	EndedAt   *time.Time
	Active    bool
}
