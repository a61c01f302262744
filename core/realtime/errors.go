package realtime

import "errors"

var (
	ErrSessionClosed  = errors.New("realtime session closed")
	ErrConnectionLost = errors.New("realtime connection lost")
	ErrNotConnected   = errors.New("realtime session not connected")
)
