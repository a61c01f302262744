// Package room attaches a browser to a session over a websocket. Binary
// messages carry PCM audio in both directions; text messages carry JSON
// envelopes with a topic.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/audio"
)

const (
	TopicChatInput  = "chat-input"
	TopicLegacyChat = "lk-chat-topic"

	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

var ErrClosed = errors.New("room closed")

// Envelope is the JSON shape of every text message.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type chatMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Room is an orchestration.Transport backed by one websocket connection.
type Room struct {
	conn     *websocket.Conn
	encoding audio.EncodingInfo
	log      *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	onFrame atomic.Pointer[func([]byte)]
	onText  atomic.Pointer[func(string)]

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ orchestration.Transport        = (*Room)(nil)
	_ orchestration.TextInputSource  = (*Room)(nil)
	_ orchestration.EncodedTransport = (*Room)(nil)
)

type Option func(*Room)

func WithEncodingInfo(encoding audio.EncodingInfo) Option {
	return func(r *Room) { r.encoding = encoding }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Room) {
		if l != nil {
			r.log = l
		}
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(r *Room) {
		if timeout > 0 {
			r.writeTimeout = timeout
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade accepts a websocket on w and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Room, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return New(conn, opts...), nil
}

func New(conn *websocket.Conn, opts ...Option) *Room {
	r := &Room{
		conn:         conn,
		encoding:     audio.GetDefaultEncodingInfo(),
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	conn.SetReadLimit(defaultReadLimit)
	return r
}

func (r *Room) OnFrameReceived(callback func(frame []byte)) {
	r.onFrame.Store(&callback)
}

func (r *Room) OnTextInput(callback func(text string)) {
	r.onText.Store(&callback)
}

func (r *Room) EncodingInfo() audio.EncodingInfo { return r.encoding }

func (r *Room) PublishFrame(frame []byte) error {
	return r.write(websocket.BinaryMessage, frame)
}

func (r *Room) PublishSideband(payload []byte, topic string) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		raw = quoted
	}
	data, err := json.Marshal(Envelope{Topic: topic, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.write(websocket.TextMessage, data)
}

func (r *Room) write(messageType int, data []byte) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if err := r.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Serve reads until the peer disconnects, ctx ends or Close is called.
// A normal close returns nil.
func (r *Room) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()

	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			r.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || isClosed(r.done) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if callback := r.onFrame.Load(); callback != nil {
				(*callback)(data)
			}
		case websocket.TextMessage:
			r.handleText(data)
		}
	}
}

func (r *Room) handleText(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.log.Debug("ignoring malformed room message", "error", err)
		return
	}
	if envelope.Topic != TopicChatInput && envelope.Topic != TopicLegacyChat {
		return
	}

	text, err := ParseChatInput(envelope.Payload)
	if err != nil {
		r.log.Debug("ignoring malformed chat input", "error", err)
		return
	}
	if text == "" {
		return
	}
	if callback := r.onText.Load(); callback != nil {
		(*callback)(text)
	}
}

// ParseChatInput extracts the text of {"type":"user_text_input","text":…} or
// {"message":…}. Other payloads yield an empty string.
func ParseChatInput(payload []byte) (string, error) {
	var msg chatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	if msg.Type == "user_text_input" {
		return msg.Text, nil
	}
	return msg.Message, nil
}

func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
