// Package realtime defines the speech-to-speech engine used by the fast path.
package realtime

import (
	"context"

	"github.com/koscakluka/ema-classroom/core/scene"
)

// Connector opens one engine session. Each coordinator session owns exactly
// one engine session.
type Connector interface {
	Connect(ctx context.Context, opts ...SessionOption) (Session, error)
}

type ConnectorFunc func(ctx context.Context, opts ...SessionOption) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, opts ...SessionOption) (Session, error) {
	return f(ctx, opts...)
}

// Session is a live engine connection.
type Session interface {
	// SendAudio forwards inbound audio. It must not block on the network for
	// longer than a single write.
	SendAudio(audio []byte) error
	// SendText submits text in place of speech and requests a response.
	SendText(text string) error
	// ApplyDirective reconfigures the persona for subsequent responses.
	ApplyDirective(directive scene.PersonaDirective) error
	Close() error
}
