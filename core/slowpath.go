package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	errArenaFull   = errors.New("transcription task arena full")
	errArenaClosed = errors.New("transcription task arena closed")
)

type task struct {
	turnID   uuid.UUID
	sequence uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

// taskArena bounds the outstanding slow path work of one session. Tasks are
// keyed by turn id and removed when they finish.
type taskArena struct {
	mu       sync.Mutex
	capacity int
	tasks    map[uuid.UUID]*task
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTaskArena(capacity int) *taskArena {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskArena{
		capacity: capacity,
		tasks:    map[uuid.UUID]*task{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (a *taskArena) spawn(name string, turnID uuid.UUID, sequence uint64, run func(ctx context.Context) error) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errArenaClosed
	}
	if len(a.tasks) >= a.capacity {
		a.mu.Unlock()
		return errArenaFull
	}

	ctx, cancel := context.WithCancel(a.ctx)
	t := &task{turnID: turnID, sequence: sequence, cancel: cancel, done: make(chan struct{})}
	a.tasks[turnID] = t
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.tasks, turnID)
			a.mu.Unlock()
			cancel()
			close(t.done)
			a.wg.Done()
		}()

		if err := panicSafeNamedWorker(name, run)(ctx); err != nil {
			logger.Warn("slow path task failed", "turn_sequence", sequence, "error", err)
		}
	}()
	return nil
}

func (a *taskArena) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// wait reports whether every task finished within timeout.
func (a *taskArena) wait(timeout time.Duration) bool {
	return waitTimeout(waitGroupDone(&a.wg), timeout)
}

// close rejects new tasks and cancels the running ones. It does not wait for
// them; a task stuck in a call that ignores cancellation is left behind.
func (a *taskArena) close() []uint64 {
	a.mu.Lock()
	a.closed = true
	unfinished := make([]uint64, 0, len(a.tasks))
	for _, t := range a.tasks {
		unfinished = append(unfinished, t.sequence)
	}
	a.mu.Unlock()

	a.cancel()
	return unfinished
}

// dispatchTurn hands a closed audio turn to the slow path. It runs on the
// dispatch loop and never blocks on transcription.
func (p *pipeline) dispatchTurn(turn conversations.TurnEvent, frames [][]byte) {
	p.ledger.register(turn.ID, conversations.TranscriptSegment{
		SessionID:    p.id,
		TurnSequence: turn.Sequence,
		Role:         turn.Role,
		Timestamp:    turn.StartedAt,
		Source:       turn.Source,
		DurationMs:   turn.Audio.Duration.Milliseconds(),
	})

	if !p.stt.isConfigured() {
		// Without a transcriber the turn waits for FinalizeTranscript.
		return
	}

	request := speechtotext.Request{Audio: frames, Role: turn.Role, EncodingInfo: p.encoding}
	err := p.tasks.spawn("transcription", turn.ID, turn.Sequence, func(ctx context.Context) error {
		return p.transcribeTurn(ctx, turn, request)
	})
	if err != nil {
		p.rejectTurn(turn, err)
	}
}

// dispatchText persists a turn submitted as text.
func (p *pipeline) dispatchText(turn conversations.TurnEvent, text string) {
	p.ledger.register(turn.ID, conversations.TranscriptSegment{
		SessionID:    p.id,
		TurnSequence: turn.Sequence,
		Role:         turn.Role,
		Timestamp:    turn.StartedAt,
		Source:       conversations.SourceTextInput,
	})

	err := p.tasks.spawn("text input", turn.ID, turn.Sequence, func(ctx context.Context) error {
		if _, err := p.finalize(ctx, turn.ID, text); err != nil {
			p.emit(events.NewTurnDiagnostic(events.DiagnosticPersistenceFailed, p.id, turn.Sequence, err.Error()))
			return err
		}
		return nil
	})
	if err != nil {
		p.rejectTurn(turn, err)
	}
}

// rejectTurn settles a turn the arena refused. Runs on the dispatch loop.
func (p *pipeline) rejectTurn(turn conversations.TurnEvent, cause error) {
	reason := fmt.Sprintf("transcription_backlog: %v", cause)
	if p.settleFailure(turn.ID, turn.Sequence, events.DiagnosticTranscriptionBacklog, reason) {
		p.applyOutcome(turnOutcome{
			turnID:   turn.ID,
			sequence: turn.Sequence,
			status:   conversations.TurnIncomplete,
			reason:   reason,
		})
	}
}

func (p *pipeline) transcribeTurn(ctx context.Context, turn conversations.TurnEvent, request speechtotext.Request) error {
	ctx, span := tracer.Start(ctx, "transcribe turn", trace.WithAttributes(
		attribute.String("session.id", p.id),
		attribute.Int64("turn.sequence", int64(turn.Sequence)),
		attribute.String("turn.role", string(turn.Role)),
		attribute.Int("turn.audio_bytes", turn.Audio.Bytes),
	))
	defer span.End()

	result, attempts, err := p.stt.Transcribe(ctx, request)
	span.SetAttributes(attribute.Int("transcription.attempts", attempts))
	if err != nil {
		if ctx.Err() != nil {
			// Stop abandons cancelled turns.
			return nil
		}

		recordedErr := fmt.Errorf("failed to transcribe turn %d: %w", turn.Sequence, err)
		span.RecordError(recordedErr)
		span.SetStatus(codes.Error, recordedErr.Error())

		reason := fmt.Sprintf("transcription_failed: %v", err)
		if p.settleFailure(turn.ID, turn.Sequence, events.DiagnosticTranscriptionFailed, reason) {
			p.postOutcome(turnOutcome{
				turnID:   turn.ID,
				sequence: turn.Sequence,
				status:   conversations.TurnTranscriptionFailed,
				reason:   reason,
			})
		}
		return nil
	}

	if _, err := p.finalize(ctx, turn.ID, result.Text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.emit(events.NewTurnDiagnostic(events.DiagnosticPersistenceFailed, p.id, turn.Sequence, err.Error()))
		return err
	}
	return nil
}

// finalize writes the segment of a closed turn at most once. It reports
// whether this call persisted it.
func (p *pipeline) finalize(ctx context.Context, turnID uuid.UUID, text string) (bool, error) {
	segment, claim := p.ledger.claim(turnID)
	switch claim {
	case claimNotFound:
		return false, ErrTurnNotFound
	case claimSettled:
		return false, nil
	}

	segment.Text = text
	if err := p.persistence.appendSegment(ctx, segment); err != nil {
		p.ledger.release(turnID)
		return false, fmt.Errorf("failed to persist turn %d: %w", segment.TurnSequence, err)
	}
	p.ledger.complete(turnID)

	p.postOutcome(turnOutcome{
		turnID:   turnID,
		sequence: segment.TurnSequence,
		status:   conversations.TurnTranscribed,
		text:     text,
	})
	return true, nil
}

// settleFailure abandons a turn in the ledger and records the gap. It reports
// false when the turn was already settled.
func (p *pipeline) settleFailure(turnID uuid.UUID, sequence uint64, code events.DiagnosticCode, reason string) bool {
	if _, ok := p.ledger.abandon(turnID); !ok {
		return false
	}

	p.emit(events.NewTurnDiagnostic(code, p.id, sequence, reason))
	p.background("mark incomplete", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.config.stopOverhead)
		defer cancel()
		return p.persistence.markIncomplete(ctx, p.id, sequence, reason)
	})
	return true
}
