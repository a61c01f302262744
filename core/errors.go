package orchestration

import "errors"

var (
	// ErrEngineUnavailable is returned by Start when the realtime engine
	// cannot be reached within the connect timeout.
	ErrEngineUnavailable    = errors.New("realtime engine unavailable")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrSessionNotFound      = errors.New("session not found")
	// ErrFastPathBacklog is returned by SubmitAudio when the engine forwarder
	// cannot keep up. The frame still reaches the slow path.
	ErrFastPathBacklog   = errors.New("fast path backlog full")
	ErrTurnNotFound      = errors.New("turn not found")
	ErrCoordinatorClosed = errors.New("coordinator closed")
	ErrEmptyTextInput    = errors.New("empty text input")
)
