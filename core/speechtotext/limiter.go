package speechtotext

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrent = 4

// Limiter caps the number of concurrent calls to the wrapped Transcriber.
// Calls beyond the ceiling wait for a free slot or for their context.
type Limiter struct {
	transcriber Transcriber
	sem         *semaphore.Weighted
	max         int64

	inFlight atomic.Int64
	waiting  atomic.Int64
}

func NewLimiter(transcriber Transcriber, maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Limiter{
		transcriber: transcriber,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		max:         int64(maxConcurrent),
	}
}

func (l *Limiter) Transcribe(ctx context.Context, request Request) (Result, error) {
	release, err := l.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	return l.transcriber.Transcribe(ctx, request)
}

// Acquire waits for a free slot. A caller holding the slot runs its requests
// through Unlimited and must call release once they return.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	l.waiting.Add(1)
	err = l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, NewError(ErrorKindTimeout, fmt.Errorf("waiting for transcription slot: %w", err))
	}

	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Unlimited returns the wrapped Transcriber.
func (l *Limiter) Unlimited() Transcriber { return l.transcriber }

func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }
func (l *Limiter) Waiting() int  { return int(l.waiting.Load()) }
func (l *Limiter) Max() int      { return int(l.max) }
