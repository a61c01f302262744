package sideband

import (
	"log/slog"
	"sync/atomic"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/audio"
)

type Transport = orchestration.Transport

// MirroredTransport forwards everything to its base and copies sideband
// messages to NATS. Mirror failures are logged and never reach the session.
type MirroredTransport struct {
	base      Transport
	sessionID string
	pub       Publisher
	log       *slog.Logger

	failures atomic.Int64
}

var (
	_ orchestration.Transport        = (*MirroredTransport)(nil)
	_ orchestration.TextInputSource  = (*MirroredTransport)(nil)
	_ orchestration.EncodedTransport = (*MirroredTransport)(nil)
)

func NewMirroredTransport(sessionID string, base Transport, pub Publisher, log *slog.Logger) *MirroredTransport {
	if log == nil {
		log = slog.Default()
	}
	return &MirroredTransport{base: base, sessionID: sessionID, pub: pub, log: log}
}

func (m *MirroredTransport) OnFrameReceived(callback func(frame []byte)) {
	m.base.OnFrameReceived(callback)
}

func (m *MirroredTransport) PublishFrame(frame []byte) error {
	return m.base.PublishFrame(frame)
}

func (m *MirroredTransport) PublishSideband(payload []byte, topic string) error {
	err := m.base.PublishSideband(payload, topic)
	if pubErr := m.pub.Publish(SidebandSubject(m.sessionID, topic), payload); pubErr != nil {
		if m.failures.Add(1) == 1 {
			m.log.Warn("failed to mirror sideband", "session_id", m.sessionID, "topic", topic, "error", pubErr)
		}
	}
	return err
}

// OnTextInput registers callback when the base accepts typed input.
func (m *MirroredTransport) OnTextInput(callback func(text string)) {
	if source, ok := m.base.(orchestration.TextInputSource); ok {
		source.OnTextInput(callback)
	}
}

// EncodingInfo reports the base encoding, or the zero value which selects
// the default.
func (m *MirroredTransport) EncodingInfo() audio.EncodingInfo {
	if encoded, ok := m.base.(orchestration.EncodedTransport); ok {
		return encoded.EncodingInfo()
	}
	return audio.EncodingInfo{}
}

func (m *MirroredTransport) MirrorFailures() int64 { return m.failures.Load() }
