package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const typeErrorResponse = "Error"

// Transcribe streams the span to Deepgram, closes the stream and joins every
// final result received until the server closes the connection.
func (c *TranscriptionClient) Transcribe(ctx context.Context, request speechtotext.Request) (result speechtotext.Result, err error) {
	ctx, span := tracer.Start(ctx, "transcribe span")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("transcription.role", string(request.Role)),
		attribute.Int("transcription.bytes", request.Bytes()),
	)

	if request.Bytes() == 0 {
		return speechtotext.Result{}, speechtotext.NewError(speechtotext.ErrorKindEmptyAudio, errors.New("span has no audio"))
	}

	encodingInfo := request.EncodingInfo
	if encodingInfo.IsZero() {
		encodingInfo = audio.GetDefaultEncodingInfo()
	}
	encoding, err := convertEncoding(encodingInfo)
	if err != nil {
		return speechtotext.Result{}, speechtotext.NewError(speechtotext.ErrorKindProviderError, fmt.Errorf("invalid encoding: %w", err))
	}

	conn, err := c.connectWebsocket(ctx, *encoding)
	if err != nil {
		return speechtotext.Result{}, classify(ctx, fmt.Errorf("failed to open websocket: %w", err))
	}
	defer conn.Close()

	stopWatch := closeOnDone(ctx, conn)
	defer stopWatch()

	writeErr := make(chan error, 1)
	go func() { writeErr <- streamSpan(conn, request.Audio) }()

	transcripts, confidence, err := readFinalResults(conn)
	if err != nil {
		return speechtotext.Result{}, classify(ctx, err)
	}
	if err := <-writeErr; err != nil {
		return speechtotext.Result{}, classify(ctx, err)
	}

	text := strings.TrimSpace(strings.Join(transcripts, " "))
	if text == "" {
		return speechtotext.Result{}, speechtotext.NewError(speechtotext.ErrorKindEmptyAudio, errors.New("no speech recognized"))
	}

	return speechtotext.Result{Text: text, Confidence: confidence}, nil
}

func (c *TranscriptionClient) connectWebsocket(ctx context.Context, encoding encodingInfo) (*websocket.Conn, error) {
	apiKey := c.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("DEEPGRAM_API_KEY"); !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
	}

	listenUrl, err := url.Parse(c.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", c.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("punctuate", "true")
	listenUrl.RawQuery = queryParams.Encode()

	conn, _, err := c.dialer.DialContext(ctx, listenUrl.String(),
		http.Header{"Authorization": {"Token " + apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func streamSpan(conn *websocket.Conn, frames [][]byte) error {
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("failed to write to deepgram client: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func readFinalResults(conn *websocket.Conn) ([]string, float64, error) {
	transcripts := []string{}
	confidenceSum := 0.0
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, 0, fmt.Errorf("failed to read deepgram websocket message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var parsedMsg struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.Warn("failed to unmarshal deepgram message", "error", err)
			continue
		}

		switch parsedMsg.Type {
		case string(api.TypeMessageResponse):
			var msgResp api.MessageResponse
			if err := json.Unmarshal(msg, &msgResp); err != nil {
				logger.Warn("failed to unmarshal deepgram results", "error", err)
				continue
			}
			if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
				continue
			}
			alternative := msgResp.Channel.Alternatives[0]
			if transcript := strings.TrimSpace(alternative.Transcript); transcript != "" {
				transcripts = append(transcripts, transcript)
				confidenceSum += alternative.Confidence
			}
		case typeErrorResponse:
			return nil, 0, fmt.Errorf("deepgram returned an error: %s", parsedMsg.Description)
		}
	}

	if len(transcripts) == 0 {
		return transcripts, 0, nil
	}
	return transcripts, confidenceSum / float64(len(transcripts)), nil
}

func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	once := sync.Once{}
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return speechtotext.NewError(speechtotext.ErrorKindTimeout, errors.Join(ctxErr, err))
	}
	return speechtotext.NewError(speechtotext.ErrorKindProviderError, err)
}
