package realtime

import (
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/scene"
)

type SessionOptions struct {
	AudioCallback            func(audio []byte)
	TextCallback             func(role conversations.Role, text string, final bool)
	TurnBoundaryCallback     func(role conversations.Role, edge events.Edge)
	ConnectionStatusCallback func(status events.ConnectionStatus)
	// AudioDroppedCallback receives the number of bytes discarded while the
	// connection was down.
	AudioDroppedCallback func(bytes int)

	Directive    scene.PersonaDirective
	EncodingInfo audio.EncodingInfo
}

type SessionOption func(*SessionOptions)

// NewSessionOptions applies opts over the defaults.
func NewSessionOptions(opts ...SessionOption) SessionOptions {
	options := SessionOptions{
		Directive:    scene.DefaultDirectives()[scene.PersonaStudent],
		EncodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithAudioCallback(callback func(audio []byte)) SessionOption {
	return func(o *SessionOptions) {
		o.AudioCallback = callback
	}
}

func WithTextCallback(callback func(role conversations.Role, text string, final bool)) SessionOption {
	return func(o *SessionOptions) {
		o.TextCallback = callback
	}
}

func WithTurnBoundaryCallback(callback func(role conversations.Role, edge events.Edge)) SessionOption {
	return func(o *SessionOptions) {
		o.TurnBoundaryCallback = callback
	}
}

func WithConnectionStatusCallback(callback func(status events.ConnectionStatus)) SessionOption {
	return func(o *SessionOptions) {
		o.ConnectionStatusCallback = callback
	}
}

func WithAudioDroppedCallback(callback func(bytes int)) SessionOption {
	return func(o *SessionOptions) {
		o.AudioDroppedCallback = callback
	}
}

// WithDirective sets the persona the session starts with.
func WithDirective(directive scene.PersonaDirective) SessionOption {
	return func(o *SessionOptions) {
		o.Directive = directive
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SessionOption {
	return func(o *SessionOptions) {
		o.EncodingInfo = encodingInfo
	}
}
