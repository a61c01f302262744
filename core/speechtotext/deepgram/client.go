package deepgram

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultListenURL = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en-US"
)

// TranscriptionClient transcribes closed audio spans by opening one Deepgram
// listen websocket per span.
type TranscriptionClient struct {
	apiKey      string
	listenURL   string
	model       string
	language    string
	dialTimeout time.Duration
	dialer      *websocket.Dialer
}

type ClientOption func(*TranscriptionClient)

// WithAPIKey sets the API key. Without it DEEPGRAM_API_KEY is read on every
// request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func WithListenURL(listenURL string) ClientOption {
	return func(c *TranscriptionClient) { c.listenURL = listenURL }
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

func WithLanguage(language string) ClientOption {
	return func(c *TranscriptionClient) { c.language = language }
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *TranscriptionClient) { c.dialTimeout = timeout }
}

func NewTranscriptionClient(opts ...ClientOption) *TranscriptionClient {
	client := &TranscriptionClient{
		listenURL:   defaultListenURL,
		model:       defaultModel,
		language:    defaultLanguage,
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(client)
	}
	client.dialer = &websocket.Dialer{HandshakeTimeout: client.dialTimeout}
	return client
}
