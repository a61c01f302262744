package orchestration

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
)

// Transport is the room a session is attached to.
type Transport interface {
	// OnFrameReceived registers the callback for inbound user audio. The
	// callback never blocks.
	OnFrameReceived(callback func(frame []byte))
	PublishFrame(frame []byte) error
	PublishSideband(payload []byte, topic string) error
}

// TextInputSource is implemented by transports that accept typed input.
type TextInputSource interface {
	OnTextInput(callback func(text string))
}

// EncodedTransport is implemented by transports whose audio differs from
// [audio.GetDefaultEncodingInfo].
type EncodedTransport interface {
	EncodingInfo() audio.EncodingInfo
}

const (
	TopicTranscription = "transcription"
	TopicTranscript    = "transcript"
	TopicScene         = "scene"
)

type sidebandMessage struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Persona  string  `json:"persona,omitempty"`
	Sequence *uint64 `json:"sequence,omitempty"`
	Role     string  `json:"role,omitempty"`
}

func fastPathTextMessage(role conversations.Role, text string, final bool) sidebandMessage {
	switch {
	case role == conversations.RoleUser && final:
		return sidebandMessage{Type: "user_transcription", Text: text}
	case role == conversations.RoleUser:
		return sidebandMessage{Type: "user_transcription_delta", Text: text}
	case final:
		return sidebandMessage{Type: "agent_response", Text: text}
	default:
		return sidebandMessage{Type: "agent_response_delta", Text: text}
	}
}

// transport normalizes an attached Transport: optional capabilities are
// detected once and publish failures are counted instead of propagated.
type transport struct {
	base      Transport
	textInput TextInputSource
	encoding  audio.EncodingInfo

	publishFailures atomic.Int64
}

func newTransport(base Transport) *transport {
	t := &transport{base: base, encoding: audio.GetDefaultEncodingInfo()}
	if source, ok := base.(TextInputSource); ok {
		t.textInput = source
	}
	if encoded, ok := base.(EncodedTransport); ok {
		if encoding := encoded.EncodingInfo(); !encoding.IsZero() {
			t.encoding = encoding
		}
	}
	return t
}

func (t *transport) bind(onFrame func([]byte), onText func(string)) {
	t.base.OnFrameReceived(onFrame)
	if t.textInput != nil {
		t.textInput.OnTextInput(onText)
	}
}

// unbind detaches callbacks so a stopped session no longer receives input.
func (t *transport) unbind() {
	t.base.OnFrameReceived(func([]byte) {})
	if t.textInput != nil {
		t.textInput.OnTextInput(func(string) {})
	}
}

func (t *transport) publishFrame(frame []byte) {
	if err := t.base.PublishFrame(frame); err != nil {
		if t.publishFailures.Add(1) == 1 {
			logger.Warn("failed to publish audio frame", "error", err)
		}
	}
}

func (t *transport) publishSideband(message sidebandMessage, topic string) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal sideband message: %w", err)
	}
	if err := t.base.PublishSideband(payload, topic); err != nil {
		return fmt.Errorf("failed to publish sideband message: %w", err)
	}
	return nil
}
