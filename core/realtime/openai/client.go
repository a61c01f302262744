package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
)

const (
	defaultURL                = "wss://api.openai.com/v1/realtime"
	defaultModel              = "gpt-4o-realtime-preview-2024-12-17"
	defaultTranscriptionModel = "whisper-1"

	DefaultReconnectAttempts = 5
	DefaultReconnectBase     = 250 * time.Millisecond
	DefaultBufferFrames      = 50
)

// Client opens OpenAI Realtime sessions.
type Client struct {
	apiKey             string
	url                string
	model              string
	transcriptionModel string

	dialTimeout       time.Duration
	writeTimeout      time.Duration
	reconnectAttempts int
	reconnectBase     time.Duration
	bufferFrames      int

	dialer *websocket.Dialer
}

type ClientOption func(*Client)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithURL(rawURL string) ClientOption {
	return func(c *Client) { c.url = rawURL }
}

func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

func WithTranscriptionModel(model string) ClientOption {
	return func(c *Client) { c.transcriptionModel = model }
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = timeout }
}

// WithReconnect bounds reconnection to attempts tries with exponential
// backoff starting at base.
func WithReconnect(attempts int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectAttempts = attempts
		c.reconnectBase = base
	}
}

// WithBufferFrames sets how many audio frames are held while disconnected.
func WithBufferFrames(frames int) ClientOption {
	return func(c *Client) { c.bufferFrames = frames }
}

func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		url:                defaultURL,
		model:              defaultModel,
		transcriptionModel: defaultTranscriptionModel,
		dialTimeout:        10 * time.Second,
		writeTimeout:       5 * time.Second,
		reconnectAttempts:  DefaultReconnectAttempts,
		reconnectBase:      DefaultReconnectBase,
		bufferFrames:       DefaultBufferFrames,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.apiKey == "" {
		client.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if client.reconnectAttempts < 0 {
		client.reconnectAttempts = 0
	}
	if client.reconnectBase <= 0 {
		client.reconnectBase = DefaultReconnectBase
	}
	if client.bufferFrames < 0 {
		client.bufferFrames = 0
	}
	client.dialer = &websocket.Dialer{HandshakeTimeout: client.dialTimeout}
	return client
}

// Connect dials the engine and configures the session. ctx bounds only the
// initial dial; the session lives until Close.
func (c *Client) Connect(ctx context.Context, opts ...realtime.SessionOption) (realtime.Session, error) {
	ctx, span := tracer.Start(ctx, "connect realtime session")
	defer span.End()

	options := realtime.NewSessionOptions(opts...)
	conn, err := c.dial(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	session := newSession(c, options)
	if err := session.install(conn); err != nil {
		_ = conn.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}
	session.reportStatus(events.ConnectionConnected, 0, nil)

	go session.run(conn)
	return session, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai api key not found")
	}

	endpoint, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	query := endpoint.Query()
	if query.Get("model") == "" {
		query.Set("model", c.model)
	}
	endpoint.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), http.Header{
		"Authorization": {"Bearer " + c.apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to openai: %w", err)
	}
	return conn, nil
}
