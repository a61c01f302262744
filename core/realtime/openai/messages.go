package openai

import (
	"encoding/base64"

	"github.com/koscakluka/ema-classroom/core/scene"
)

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	TurnDetection           turnDetection            `json:"turn_detection"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

func newSessionUpdate(directive scene.PersonaDirective, transcriptionModel string) sessionUpdateEvent {
	update := sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      directive.Instructions,
			Voice:             directive.Voice,
			Temperature:       directive.Temperature,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     turnDetection{Type: "server_vad"},
		},
	}
	if transcriptionModel != "" {
		update.Session.InputAudioTranscription = &inputAudioTranscription{Model: transcriptionModel}
	}
	return update
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func newAudioAppend(audio []byte) audioAppendEvent {
	return audioAppendEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(audio)}
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newUserTextItem(text string) conversationItemCreateEvent {
	return conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type serverEventType string

const (
	serverEventError                serverEventType = "error"
	serverEventSessionCreated       serverEventType = "session.created"
	serverEventSessionUpdated       serverEventType = "session.updated"
	serverEventSpeechStarted        serverEventType = "input_audio_buffer.speech_started"
	serverEventSpeechStopped        serverEventType = "input_audio_buffer.speech_stopped"
	serverEventInputTranscription   serverEventType = "conversation.item.input_audio_transcription.completed"
	serverEventResponseCreated      serverEventType = "response.created"
	serverEventResponseDone         serverEventType = "response.done"
	serverEventAudioDelta           serverEventType = "response.audio.delta"
	serverEventAudioTranscriptDelta serverEventType = "response.audio_transcript.delta"
	serverEventAudioTranscriptDone  serverEventType = "response.audio_transcript.done"
)

// serverEvent is the union of the fields used from server events.
type serverEvent struct {
	Type       serverEventType `json:"type"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
