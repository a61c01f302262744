package events

import "fmt"

// DiagnosticCode classifies a degraded-behavior report.
type DiagnosticCode string

const (
	// DiagnosticSlowPathFrameDropped reports that the slow path queue was full
	// and the oldest unprocessed frame was discarded.
	DiagnosticSlowPathFrameDropped DiagnosticCode = "slow_path_frame_dropped"
	// DiagnosticFastPathAudioDropped reports audio discarded while the engine
	// connection was down and its buffer was full.
	DiagnosticFastPathAudioDropped DiagnosticCode = "fast_path_audio_dropped"
	DiagnosticConnectionDropped    DiagnosticCode = "connection_dropped"
	DiagnosticConnectionRestored   DiagnosticCode = "connection_restored"
	// DiagnosticConnectionLost reports that reconnection attempts ran out.
	DiagnosticConnectionLost DiagnosticCode = "connection_lost"
	// DiagnosticTranscriptionFailed reports a turn whose transcription failed
	// after its retry.
	DiagnosticTranscriptionFailed DiagnosticCode = "transcription_failed"
	// DiagnosticTranscriptionBacklog reports a turn rejected because too many
	// transcriptions were already outstanding.
	DiagnosticTranscriptionBacklog DiagnosticCode = "transcription_backlog"
	// DiagnosticIncomplete reports a turn abandoned when its session stopped.
	DiagnosticIncomplete        DiagnosticCode = "incomplete"
	DiagnosticPersistenceFailed DiagnosticCode = "persistence_failed"
	// DiagnosticBoundaryDropped reports a detected turn edge discarded because
	// the dispatch loop fell too far behind.
	DiagnosticBoundaryDropped DiagnosticCode = "turn_boundary_dropped"
	// DiagnosticPersonaTransition reports a persona change applied to the
	// fast path.
	DiagnosticPersonaTransition DiagnosticCode = "persona_transition"
)

const (
	KindDiagnosticPrefix Kind = "diagnostic."

	noTurnSequence int64 = -1
)

// Diagnostic reports degraded behavior without altering the conversation.
type Diagnostic struct {
	Base
	Code      DiagnosticCode
	SessionID string
	// TurnSequence is negative when the diagnostic is not tied to a turn.
	TurnSequence int64
	Detail       string
}

// NewDiagnostic creates a diagnostic that is not tied to a turn.
func NewDiagnostic(code DiagnosticCode, sessionID string, detail string) Diagnostic {
	return Diagnostic{
		Base:         NewBase(KindDiagnosticPrefix + Kind(code)),
		Code:         code,
		SessionID:    sessionID,
		TurnSequence: noTurnSequence,
		Detail:       detail,
	}
}

// NewTurnDiagnostic creates a diagnostic for a specific turn.
func NewTurnDiagnostic(code DiagnosticCode, sessionID string, turnSequence uint64, detail string) Diagnostic {
	diagnostic := NewDiagnostic(code, sessionID, detail)
	diagnostic.TurnSequence = int64(turnSequence)
	return diagnostic
}

// HasTurn reports whether the diagnostic refers to a turn.
func (d Diagnostic) HasTurn() bool { return d.TurnSequence >= 0 }

func (d Diagnostic) String() string {
	if d.HasTurn() {
		return fmt.Sprintf("%s session=%s turn=%d: %s", d.Code, d.SessionID, d.TurnSequence, d.Detail)
	}
	return fmt.Sprintf("%s session=%s: %s", d.Code, d.SessionID, d.Detail)
}
