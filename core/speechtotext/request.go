package speechtotext

import (
	"context"
	"time"

	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
)

// Transcriber turns one closed span of audio into text.
//
// Implementations must honor ctx cancellation; the caller enforces its own
// timeouts and retries.
type Transcriber interface {
	Transcribe(ctx context.Context, request Request) (Result, error)
}

type TranscriberFunc func(ctx context.Context, request Request) (Result, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, request Request) (Result, error) {
	return f(ctx, request)
}

// Request carries the audio of a single turn. Frames are shared with the
// caller and must be treated as read-only.
type Request struct {
	Audio        [][]byte
	Role         conversations.Role
	EncodingInfo audio.EncodingInfo
}

// Bytes returns the total audio size of the request.
func (r Request) Bytes() int {
	total := 0
	for _, frame := range r.Audio {
		total += len(frame)
	}
	return total
}

// Duration returns the playback time of the request audio.
func (r Request) Duration() time.Duration {
	encoding := r.EncodingInfo
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}
	return encoding.Duration(r.Bytes())
}

type Result struct {
	Text string
	// Confidence is provider reported, 0 when unknown.
	Confidence float64
}
