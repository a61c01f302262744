// Package miniaudio attaches a session to the local microphone and speakers.
package miniaudio

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-classroom/core/audio"
)

// Transport captures user audio from the default input device, plays agent
// audio on the default output device and hands side channel messages to a
// callback.
type Transport struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient

	onSideband func(payload []byte, topic string)
	log        *slog.Logger
}

type TransportOption func(*Transport)

// WithSidebandCallback receives transcription and persona messages.
func WithSidebandCallback(callback func(payload []byte, topic string)) TransportOption {
	return func(t *Transport) { t.onSideband = callback }
}

func WithLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

func NewTransport(opts ...TransportOption) (*Transport, error) {
	t := &Transport{log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		t.log.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	t.audioContext = audioCtx

	if err := t.playbackClient.Init(audioCtx); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to initialize playback client: %w", err)
	}
	if err := t.playbackClient.Start(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	if err := t.captureClient.Init(audioCtx); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return t, nil
}

// OnFrameReceived starts capturing into callback, replacing any previous one.
func (t *Transport) OnFrameReceived(callback func(frame []byte)) {
	if err := t.captureClient.Start(callback); err != nil {
		t.log.Warn("failed to start capture", "error", err)
	}
}

func (t *Transport) PublishFrame(frame []byte) error {
	return t.playbackClient.SendAudio(frame)
}

func (t *Transport) PublishSideband(payload []byte, topic string) error {
	if t.onSideband != nil {
		t.onSideband(payload, topic)
	}
	return nil
}

func (t *Transport) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

func (t *Transport) Close() {
	_ = t.captureClient.Uninit()
	_ = t.playbackClient.Uninit()
	if t.audioContext != nil {
		_ = t.audioContext.Uninit()
		t.audioContext.Free()
		t.audioContext = nil
	}
}
