package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-classroom/core/speechtotext"
	"github.com/sethvargo/go-retry"
)

// transcriptionRetries is the number of retries after the first failed attempt.
const transcriptionRetries = 1

// slotQueue is implemented by transcribers that queue calls beyond a
// concurrency ceiling, such as speechtotext.Limiter.
type slotQueue interface {
	Acquire(ctx context.Context) (release func(), err error)
	Unlimited() speechtotext.Transcriber
}

type speechToText struct {
	// client stores the configured transcription engine.
	client speechtotext.Transcriber
	// slots, when set, is acquired before each attempt's deadline starts.
	slots slotQueue

	attemptTimeout time.Duration
	retryBase      time.Duration
}

func newSpeechToText(client speechtotext.Transcriber, attemptTimeout, retryBase time.Duration) *speechToText {
	s := &speechToText{
		client:         client,
		attemptTimeout: attemptTimeout,
		retryBase:      retryBase,
	}
	if queue, ok := client.(slotQueue); ok {
		s.slots = queue
		s.client = queue.Unlimited()
	}
	return s
}

func (s *speechToText) isConfigured() bool {
	return s != nil && s.client != nil
}

// Transcribe runs the request with one retry on exponential backoff. Empty
// audio is not retried. Each attempt is abandoned at its timeout even when
// the engine ignores cancellation.
func (s *speechToText) Transcribe(ctx context.Context, request speechtotext.Request) (speechtotext.Result, int, error) {
	if !s.isConfigured() {
		return speechtotext.Result{}, 0, speechtotext.NewError(speechtotext.ErrorKindProviderError, errors.New("no transcriber configured"))
	}

	var result speechtotext.Result
	attempts := 0
	backoff := retry.WithMaxRetries(transcriptionRetries, retry.NewExponential(s.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		res, err := s.attempt(ctx, request)
		if err != nil {
			if errors.Is(err, speechtotext.ErrEmptyAudio) {
				return err
			}
			return retry.RetryableError(err)
		}
		result = res
		return nil
	})
	if err != nil {
		return speechtotext.Result{}, attempts, err
	}
	return result, attempts, nil
}

// attempt waits for a slot for as long as ctx allows; only the call itself
// counts against the attempt timeout. An abandoned call keeps its slot until
// the engine returns.
func (s *speechToText) attempt(ctx context.Context, request speechtotext.Request) (speechtotext.Result, error) {
	release := func() {}
	if s.slots != nil {
		var err error
		if release, err = s.slots.Acquire(ctx); err != nil {
			return speechtotext.Result{}, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	type outcome struct {
		result speechtotext.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer release()
		run := panicSafeNamedWorker("transcription", func(ctx context.Context) error {
			result, err := s.client.Transcribe(ctx, request)
			done <- outcome{result: result, err: err}
			return nil
		})
		if err := run(attemptCtx); err != nil {
			done <- outcome{err: speechtotext.NewError(speechtotext.ErrorKindProviderError, err)}
		}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return speechtotext.Result{}, out.err
		}
		if out.result.Text == "" {
			return speechtotext.Result{}, speechtotext.NewError(speechtotext.ErrorKindEmptyAudio, errors.New("empty transcript"))
		}
		return out.result, nil
	case <-attemptCtx.Done():
		return speechtotext.Result{}, speechtotext.NewError(speechtotext.ErrorKindTimeout,
			fmt.Errorf("attempt %s: %w", s.attemptTimeout, attemptCtx.Err()))
	}
}
