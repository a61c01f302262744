package speechtotext

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindProviderError ErrorKind = "provider_error"
	ErrorKindEmptyAudio    ErrorKind = "empty_audio"
)

var (
	ErrTimeout       = errors.New("transcription timed out")
	ErrProviderError = errors.New("transcription provider error")
	ErrEmptyAudio    = errors.New("no speech in audio")
)

// TranscriptionError reports why a transcription failed.
//
// It matches the sentinel of its kind with errors.Is, so callers can test
// for errors.Is(err, ErrEmptyAudio) regardless of the wrapped cause.
type TranscriptionError struct {
	Kind ErrorKind
	Err  error
}

func NewError(kind ErrorKind, err error) *TranscriptionError {
	return &TranscriptionError{Kind: kind, Err: err}
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

func (e *TranscriptionError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == ErrorKindTimeout
	case ErrProviderError:
		return e.Kind == ErrorKindProviderError
	case ErrEmptyAudio:
		return e.Kind == ErrorKindEmptyAudio
	}
	return false
}

// KindOf classifies any error returned by a Transcriber. Errors that are not
// a TranscriptionError count as provider errors, deadline errors as timeouts.
func KindOf(err error) ErrorKind {
	var transcriptionErr *TranscriptionError
	if errors.As(err, &transcriptionErr) {
		return transcriptionErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindProviderError
}
