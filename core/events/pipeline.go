package events

import (
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

const (
	// KindAudioFrame identifies one inbound or outbound audio frame.
	KindAudioFrame Kind = "pipeline.audio_frame"
	// KindTurnBoundary identifies an utterance start or end.
	KindTurnBoundary Kind = "pipeline.turn_boundary"
	// KindPartialText identifies an append-only fast path text delta.
	KindPartialText Kind = "pipeline.partial_text"
	// KindFinalText identifies terminal fast path text for an utterance.
	KindFinalText Kind = "pipeline.final_text"
	// KindConnectionStatus identifies engine connectivity changes.
	KindConnectionStatus Kind = "pipeline.connection_status"
	// KindTextInput identifies text submitted instead of speech.
	KindTextInput Kind = "pipeline.text_input"
)

// Edge is the side of an utterance a boundary marks.
type Edge string

const (
	EdgeStart Edge = "start"
	EdgeEnd   Edge = "end"
)

// AudioFrame carries one audio frame for a role.
type AudioFrame struct {
	Base
	Role  conversations.Role
	Audio []byte
}

// NewAudioFrame creates an audio frame event stamped with the current time.
func NewAudioFrame(role conversations.Role, audio []byte) AudioFrame {
	return AudioFrame{Base: NewBase(KindAudioFrame), Role: role, Audio: audio}
}

// TurnBoundary marks the start or end of an utterance.
type TurnBoundary struct {
	Base
	Role conversations.Role
	Edge Edge
}

// NewTurnBoundary creates a boundary event stamped with the current time.
func NewTurnBoundary(role conversations.Role, edge Edge) TurnBoundary {
	return TurnBoundary{Base: NewBase(KindTurnBoundary), Role: role, Edge: edge}
}

// NewTurnBoundaryAt creates a boundary event for a signal observed at ts.
func NewTurnBoundaryAt(role conversations.Role, edge Edge, ts time.Time) TurnBoundary {
	return TurnBoundary{Base: NewBaseAt(KindTurnBoundary, ts), Role: role, Edge: edge}
}

// PartialText carries a fast path text delta.
type PartialText struct {
	Base
	Role conversations.Role
	Text string
}

// NewPartialText creates a partial text event.
func NewPartialText(role conversations.Role, text string) PartialText {
	return PartialText{Base: NewBase(KindPartialText), Role: role, Text: text}
}

// FinalText carries the fast path text of a complete utterance.
type FinalText struct {
	Base
	Role conversations.Role
	Text string
}

// NewFinalText creates a final text event.
func NewFinalText(role conversations.Role, text string) FinalText {
	return FinalText{Base: NewBase(KindFinalText), Role: role, Text: text}
}

// ConnectionState is the realtime engine connection state.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDropped      ConnectionState = "dropped"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionRestored     ConnectionState = "restored"
	ConnectionLost         ConnectionState = "lost"
	ConnectionClosed       ConnectionState = "closed"
)

// ConnectionStatus reports a connectivity change of the engine.
type ConnectionStatus struct {
	Base
	State   ConnectionState
	Attempt int
	Err     error
}

// NewConnectionStatus creates a connection status event.
func NewConnectionStatus(state ConnectionState, attempt int, err error) ConnectionStatus {
	return ConnectionStatus{Base: NewBase(KindConnectionStatus), State: state, Attempt: attempt, Err: err}
}

// TextInput carries text submitted in place of speech.
type TextInput struct {
	Base
	Text string
}

// NewTextInput creates a text input event.
func NewTextInput(text string) TextInput {
	return TextInput{Base: NewBase(KindTextInput), Text: text}
}
