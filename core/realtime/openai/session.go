package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
	"github.com/koscakluka/ema-classroom/core/scene"
	"github.com/sethvargo/go-retry"
)

type connectionState int

const (
	stateConnected connectionState = iota
	stateReconnecting
	stateLost
	stateClosed
)

type session struct {
	client  *Client
	options realtime.SessionOptions

	ctx    context.Context
	cancel context.CancelFunc

	// connMu serializes writes and guards every field below it.
	connMu    sync.Mutex
	conn      *websocket.Conn
	state     connectionState
	directive scene.PersonaDirective
	buffer    [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(client *Client, options realtime.SessionOptions) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		client:    client,
		options:   options,
		ctx:       ctx,
		cancel:    cancel,
		state:     stateReconnecting,
		directive: options.Directive,
		done:      make(chan struct{}),
	}
}

func (s *session) SendAudio(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	switch s.state {
	case stateClosed:
		return realtime.ErrSessionClosed
	case stateLost:
		s.reportDropped(len(audio))
		return realtime.ErrConnectionLost
	case stateReconnecting:
		s.bufferLocked(audio)
		return nil
	}

	if err := s.writeLocked(newAudioAppend(audio)); err != nil {
		// The reader notices the broken connection and starts reconnecting.
		s.bufferLocked(audio)
		_ = s.conn.Close()
		s.state = stateReconnecting
		return nil
	}
	return nil
}

func (s *session) SendText(text string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	switch s.state {
	case stateClosed:
		return realtime.ErrSessionClosed
	case stateLost:
		return realtime.ErrConnectionLost
	case stateReconnecting:
		return realtime.ErrNotConnected
	}

	if err := s.writeLocked(newUserTextItem(text)); err != nil {
		return fmt.Errorf("failed to send text item: %w", err)
	}
	if err := s.writeLocked(responseCreateEvent{Type: "response.create"}); err != nil {
		return fmt.Errorf("failed to request response: %w", err)
	}
	return nil
}

// ApplyDirective stores the directive and sends it when connected. While
// reconnecting it is sent as part of the restored session configuration.
func (s *session) ApplyDirective(directive scene.PersonaDirective) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.state == stateClosed {
		return realtime.ErrSessionClosed
	}
	s.directive = directive
	if s.state != stateConnected {
		return nil
	}

	if err := s.writeLocked(newSessionUpdate(directive, s.client.transcriptionModel)); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.connMu.Lock()
		s.state = stateClosed
		s.buffer = nil
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		s.connMu.Unlock()

		<-s.done
		s.reportStatus(events.ConnectionClosed, 0, nil)
	})
	return nil
}

// install makes conn the active connection, re-sends the current persona and
// flushes audio buffered while disconnected.
func (s *session) install(conn *websocket.Conn) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.state == stateClosed {
		return realtime.ErrSessionClosed
	}

	s.conn = conn
	if err := s.writeLocked(newSessionUpdate(s.directive, s.client.transcriptionModel)); err != nil {
		return err
	}
	for len(s.buffer) > 0 {
		if err := s.writeLocked(newAudioAppend(s.buffer[0])); err != nil {
			return err
		}
		s.buffer = s.buffer[1:]
	}
	s.buffer = nil
	s.state = stateConnected
	return nil
}

func (s *session) writeLocked(message any) error {
	if s.conn == nil {
		return realtime.ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.client.writeTimeout))
	return s.conn.WriteJSON(message)
}

// bufferLocked keeps the newest frames up to the configured limit.
func (s *session) bufferLocked(audio []byte) {
	if s.client.bufferFrames == 0 {
		s.reportDropped(len(audio))
		return
	}
	if len(s.buffer) >= s.client.bufferFrames {
		s.reportDropped(len(s.buffer[0]))
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, audio)
}

func (s *session) isClosed() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		err := s.readMessages(conn)
		if s.isClosed() {
			return
		}

		s.connMu.Lock()
		if s.state == stateConnected {
			s.state = stateReconnecting
		}
		s.connMu.Unlock()
		logger.Warn("realtime connection dropped", "error", err)
		s.reportStatus(events.ConnectionDropped, 0, err)

		next, attempts, err := s.reconnect()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.connMu.Lock()
			s.state = stateLost
			dropped := s.buffer
			s.buffer = nil
			s.connMu.Unlock()
			for _, frame := range dropped {
				s.reportDropped(len(frame))
			}
			logger.Error("realtime connection lost", "attempts", attempts, "error", err)
			s.reportStatus(events.ConnectionLost, attempts, err)
			return
		}

		conn = next
		s.reportStatus(events.ConnectionRestored, attempts, nil)
	}
}

func (s *session) reconnect() (*websocket.Conn, int, error) {
	if s.client.reconnectAttempts == 0 {
		return nil, 0, errors.New("reconnection disabled")
	}

	backoff := retry.WithMaxRetries(uint64(s.client.reconnectAttempts-1), retry.NewExponential(s.client.reconnectBase))

	var conn *websocket.Conn
	attempts := 0
	err := retry.Do(s.ctx, backoff, func(ctx context.Context) error {
		attempts++
		s.reportStatus(events.ConnectionReconnecting, attempts, nil)

		dialCtx, cancel := context.WithTimeout(ctx, s.client.dialTimeout)
		defer cancel()
		next, err := s.client.dial(dialCtx)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := s.install(next); err != nil {
			_ = next.Close()
			if errors.Is(err, realtime.ErrSessionClosed) {
				return err
			}
			return retry.RetryableError(err)
		}
		conn = next
		return nil
	})
	if err != nil {
		return nil, attempts, fmt.Errorf("failed to reconnect after %d attempts: %w", attempts, err)
	}
	return conn, attempts, nil
}

func (s *session) readMessages(conn *websocket.Conn) error {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.processMessage(msg)
	}
}

func (s *session) processMessage(msg []byte) {
	var event serverEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		logger.Warn("failed to unmarshal realtime event", "error", err)
		return
	}

	switch event.Type {
	case serverEventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			logger.Warn("failed to decode realtime audio delta", "error", err)
			return
		}
		if s.options.AudioCallback != nil && len(audio) > 0 {
			s.options.AudioCallback(audio)
		}
	case serverEventAudioTranscriptDelta:
		s.invokeText(conversations.RoleAgent, event.Delta, false)
	case serverEventAudioTranscriptDone:
		s.invokeText(conversations.RoleAgent, event.Transcript, true)
	case serverEventInputTranscription:
		s.invokeText(conversations.RoleUser, event.Transcript, true)
	case serverEventSpeechStarted:
		s.invokeBoundary(conversations.RoleUser, events.EdgeStart)
	case serverEventSpeechStopped:
		s.invokeBoundary(conversations.RoleUser, events.EdgeEnd)
	case serverEventResponseCreated:
		s.invokeBoundary(conversations.RoleAgent, events.EdgeStart)
	case serverEventResponseDone:
		s.invokeBoundary(conversations.RoleAgent, events.EdgeEnd)
	case serverEventError:
		if event.Error != nil {
			logger.Error("realtime engine error", "type", event.Error.Type, "code", event.Error.Code, "message", event.Error.Message)
		}
	case serverEventSessionCreated, serverEventSessionUpdated:
		logger.Debug("realtime session configured", "event", string(event.Type))
	}
}

func (s *session) invokeText(role conversations.Role, text string, final bool) {
	if s.options.TextCallback != nil && text != "" {
		s.options.TextCallback(role, text, final)
	}
}

func (s *session) invokeBoundary(role conversations.Role, edge events.Edge) {
	if s.options.TurnBoundaryCallback != nil {
		s.options.TurnBoundaryCallback(role, edge)
	}
}

func (s *session) reportStatus(state events.ConnectionState, attempt int, err error) {
	if s.options.ConnectionStatusCallback != nil {
		s.options.ConnectionStatusCallback(events.NewConnectionStatus(state, attempt, err))
	}
}

func (s *session) reportDropped(bytes int) {
	if s.options.AudioDroppedCallback != nil {
		s.options.AudioDroppedCallback(bytes)
	}
}
