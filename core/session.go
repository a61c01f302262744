package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
	"github.com/koscakluka/ema-classroom/core/scene"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const signalQueueCapacity = 256

type turnOutcome struct {
	turnID   uuid.UUID
	sequence uint64
	status   conversations.TurnStatus
	text     string
	reason   string
}

// pipeline is the state of one live session. Everything the dispatch loop
// owns is only touched from run; the rest is safe for concurrent use.
type pipeline struct {
	id        string
	createdAt time.Time
	config    *coordinatorConfig
	log       *slog.Logger
	emit      diagnosticEmitter

	transport   *transport
	engine      realtime.Session
	stt         *speechToText
	persistence persistence
	encoding    audio.EncodingInfo

	detector   BoundaryDetector
	detectorMu sync.Mutex

	fastAudio chan []byte
	frames    *frameQueue
	signals   chan events.Event
	// boundaries carries detector edges in detection order.
	boundaries chan events.TurnBoundary
	outcomes   chan turnOutcome

	ledger *ledger
	tasks  *taskArena
	bg     sync.WaitGroup

	// openSeq holds the sequence of the open turn per role, -1 when closed.
	openUserSeq  atomic.Int64
	openAgentSeq atomic.Int64

	closeCh       chan struct{}
	loopDone      chan struct{}
	forwarderStop chan struct{}
	forwarderDone chan struct{}
	stopped       chan struct{}
	stopOnce      sync.Once
	stopping      atomic.Bool

	// historyMu guards turns.history against readers outside the loop.
	historyMu sync.RWMutex

	// Owned by the dispatch loop.
	turns            *turnTracker
	machine          *scene.Machine
	appliedDirective scene.PersonaDirective
	pendingDirective *scene.PersonaDirective
	connection       events.ConnectionState
}

func newPipeline(id string, config *coordinatorConfig, base Transport) *pipeline {
	t := newTransport(base)
	encoding := t.encoding
	if config.encodingInfo != nil {
		encoding = *config.encodingInfo
	}

	log := config.logger.With("session_id", id)
	machine := scene.NewMachine(config.machineOptions...)

	p := &pipeline{
		id:          id,
		createdAt:   time.Now(),
		config:      config,
		log:         log,
		emit:        newDiagnosticEmitter(log, config.onDiagnostic),
		transport:   t,
		stt:         newSpeechToText(config.transcriber, config.transcriptionTimeout, config.transcriptionRetryBase),
		persistence: newPersistence(config.sink),
		encoding:    encoding,

		fastAudio:  make(chan []byte, config.fastPathQueueSize),
		frames:     newFrameQueue(config.slowPathQueueSize),
		signals:    make(chan events.Event, signalQueueCapacity),
		boundaries: make(chan events.TurnBoundary, signalQueueCapacity),
		outcomes:   make(chan turnOutcome, config.maxPendingTasks+signalQueueCapacity),

		ledger: newLedger(),
		tasks:  newTaskArena(config.maxPendingTasks),

		closeCh:       make(chan struct{}),
		loopDone:      make(chan struct{}),
		forwarderStop: make(chan struct{}),
		forwarderDone: make(chan struct{}),
		stopped:       make(chan struct{}),

		turns:            newTurnTracker(encoding, config.preRoll, config.maxTurnDuration),
		machine:          machine,
		appliedDirective: machine.Directive(),
	}
	p.openUserSeq.Store(-1)
	p.openAgentSeq.Store(-1)
	if config.newDetector != nil {
		p.detector = config.newDetector()
	}
	return p
}

func (p *pipeline) start(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "start session", trace.WithAttributes(attribute.String("session.id", p.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if p.config.connector == nil {
		return fmt.Errorf("%w: no realtime connector configured", ErrEngineUnavailable)
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.config.connectTimeout)
	defer cancel()
	engine, err := p.config.connector.Connect(connectCtx,
		realtime.WithDirective(p.appliedDirective),
		realtime.WithEncodingInfo(p.encoding),
		realtime.WithAudioCallback(p.onEngineAudio),
		realtime.WithTextCallback(p.onEngineText),
		realtime.WithTurnBoundaryCallback(p.onEngineBoundary),
		realtime.WithConnectionStatusCallback(p.onEngineStatus),
		realtime.WithAudioDroppedCallback(p.onEngineAudioDropped),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	p.engine = engine

	beginCtx, cancelBegin := context.WithTimeout(ctx, p.config.stopOverhead)
	defer cancelBegin()
	if err := p.persistence.beginSession(beginCtx, conversations.Session{
		ID:        p.id,
		CreatedAt: p.createdAt,
		Active:    true,
	}); err != nil {
		_ = engine.Close()
		return fmt.Errorf("failed to begin session: %w", err)
	}
	// A reused session id continues after the turns it already stored.
	next, err := p.persistence.nextSequence(beginCtx, p.id)
	if err != nil {
		_ = engine.Close()
		return fmt.Errorf("failed to resume turn sequence: %w", err)
	}
	p.turns.resume(next)

	go p.run()
	go p.forward()
	p.transport.bind(func(frame []byte) {
		if err := p.submitAudio(frame); err != nil && !errors.Is(err, ErrFastPathBacklog) {
			p.log.Debug("failed to submit audio frame", "error", err)
		}
	}, func(text string) {
		if err := p.submitText(text); err != nil && !errors.Is(err, ErrEmptyTextInput) {
			p.log.Warn("failed to submit text input", "error", err)
		}
	})

	activeSessionsCounter.Add(ctx, 1)
	p.log.Info("session started", "persona", string(p.appliedDirective.Persona), "first_turn_sequence", next)
	return nil
}

// submitAudio never blocks. The frame is shared between both paths.
func (p *pipeline) submitAudio(frame []byte) error {
	if p.stopping.Load() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, p.id)
	}
	if len(frame) == 0 {
		return nil
	}
	receivedAt := time.Now()

	var fastErr error
	select {
	case p.fastAudio <- frame:
	default:
		fastErr = ErrFastPathBacklog
	}

	p.pushFrame(conversations.RoleUser, frame, receivedAt)

	if p.detector != nil {
		p.detectorMu.Lock()
		edge, detected := p.detector.Detect(frame)
		p.detectorMu.Unlock()
		if detected {
			p.postBoundary(events.NewTurnBoundaryAt(conversations.RoleUser, edge, receivedAt))
		}
	}

	return fastErr
}

func (p *pipeline) submitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTextInput
	}
	if !p.post(events.NewTextInput(text)) {
		return ErrSessionNotFound
	}
	return nil
}

func (p *pipeline) pushFrame(role conversations.Role, frame []byte, receivedAt time.Time) {
	dropped, overflow := p.frames.push(queuedFrame{role: role, audio: frame, receivedAt: receivedAt})
	if !overflow {
		return
	}

	detail := fmt.Sprintf("dropped %d bytes of %s audio", len(dropped.audio), dropped.role)
	if sequence := p.openSequence(dropped.role); sequence >= 0 {
		p.emit(events.NewTurnDiagnostic(events.DiagnosticSlowPathFrameDropped, p.id, uint64(sequence), detail))
		return
	}
	p.emit(events.NewDiagnostic(events.DiagnosticSlowPathFrameDropped, p.id, detail))
}

func (p *pipeline) openSequence(role conversations.Role) int64 {
	if role == conversations.RoleAgent {
		return p.openAgentSeq.Load()
	}
	return p.openUserSeq.Load()
}

func (p *pipeline) setOpenSequence(role conversations.Role, sequence int64) {
	if role == conversations.RoleAgent {
		p.openAgentSeq.Store(sequence)
		return
	}
	p.openUserSeq.Store(sequence)
}

// post delivers an event to the dispatch loop, waiting for room in the queue.
// It reports false once the loop has exited.
func (p *pipeline) post(event events.Event) bool {
	select {
	case <-p.loopDone:
		return false
	default:
	}

	select {
	case p.signals <- event:
		return true
	case <-p.loopDone:
		return false
	}
}

// tryPost delivers an event only when the queue has room.
func (p *pipeline) tryPost(event events.Event) bool {
	select {
	case p.signals <- event:
		return true
	default:
		return false
	}
}

// postBoundary is used from the audio path, which must not wait on the loop.
// An edge that does not fit is dropped and reported, never reordered.
func (p *pipeline) postBoundary(boundary events.TurnBoundary) {
	select {
	case p.boundaries <- boundary:
	default:
		p.emit(events.NewDiagnostic(events.DiagnosticBoundaryDropped, p.id,
			fmt.Sprintf("dropped %s %s edge, boundary queue full", boundary.Role, boundary.Edge)))
	}
}

func (p *pipeline) postOutcome(outcome turnOutcome) {
	select {
	case p.outcomes <- outcome:
		return
	default:
	}

	select {
	case p.outcomes <- outcome:
	case <-p.loopDone:
	}
}

// applyQueuedOutcomes settles outcomes that arrived after the loop exited.
// Only valid once the loop is gone.
func (p *pipeline) applyQueuedOutcomes() {
	for {
		select {
		case outcome := <-p.outcomes:
			p.applyOutcome(outcome)
		default:
			return
		}
	}
}

func (p *pipeline) background(name string, run func(context.Context) error) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if err := panicSafeNamedWorker(name, run)(context.Background()); err != nil {
			p.log.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

func (p *pipeline) forward() {
	defer close(p.forwarderDone)

	failures := 0
	run := panicSafeNamedWorker("fast path forwarder", func(context.Context) error {
		for {
			select {
			case <-p.forwarderStop:
				return nil
			case frame := <-p.fastAudio:
				if err := p.engine.SendAudio(frame); err != nil {
					failures++
					if failures == 1 || failures%100 == 0 {
						p.log.Warn("failed to forward audio to realtime engine", "failures", failures, "error", err)
					}
					continue
				}
				failures = 0
			}
		}
	})
	if err := run(context.Background()); err != nil {
		p.log.Error("fast path forwarder stopped", "error", err)
	}
}

func (p *pipeline) onEngineAudio(audio []byte) {
	p.transport.publishFrame(audio)
	p.pushFrame(conversations.RoleAgent, audio, time.Now())
}

func (p *pipeline) onEngineText(role conversations.Role, text string, final bool) {
	if final {
		p.tryPost(events.NewFinalText(role, text))
		return
	}
	p.tryPost(events.NewPartialText(role, text))
}

func (p *pipeline) onEngineBoundary(role conversations.Role, edge events.Edge) {
	if role == conversations.RoleUser && p.detector != nil {
		return
	}
	p.post(events.NewTurnBoundary(role, edge))
}

func (p *pipeline) onEngineStatus(status events.ConnectionStatus) {
	p.post(status)
}

func (p *pipeline) onEngineAudioDropped(bytes int) {
	p.emit(events.NewDiagnostic(events.DiagnosticFastPathAudioDropped, p.id,
		fmt.Sprintf("dropped %d bytes while disconnected", bytes)))
}

func (p *pipeline) run() {
	defer close(p.loopDone)

	run := panicSafeNamedWorker("dispatch loop", func(context.Context) error {
		for {
			select {
			case <-p.closeCh:
				p.flush()
				return nil
			case event := <-p.signals:
				p.handle(event)
			case boundary := <-p.boundaries:
				p.handle(boundary)
			case <-p.frames.updateSignal:
				// Boundaries posted before these frames were queued go first.
				p.handleQueued()
				p.drainFrames(time.Time{})
			case outcome := <-p.outcomes:
				p.applyOutcome(outcome)
			}
		}
	})
	if err := run(context.Background()); err != nil {
		p.log.Error("dispatch loop stopped", "error", err)
	}
}

// flush processes queued events and closes every open turn so its audio still
// reaches the slow path.
func (p *pipeline) flush() {
	p.handleQueued()
	p.drainFrames(time.Time{})
	now := time.Now()
	for _, role := range p.turns.openRoles() {
		p.closeTurn(role, now)
	}
}

func (p *pipeline) handleQueued() {
	for {
		select {
		case event := <-p.signals:
			p.handle(event)
		case boundary := <-p.boundaries:
			p.handle(boundary)
		default:
			return
		}
	}
}

func (p *pipeline) handle(event events.Event) {
	switch typedEvent := event.(type) {
	case events.TurnBoundary:
		p.drainFrames(typedEvent.Timestamp())
		switch typedEvent.Edge {
		case events.EdgeStart:
			p.openTurn(typedEvent.Role, typedEvent.Timestamp())
		case events.EdgeEnd:
			p.closeTurn(typedEvent.Role, typedEvent.Timestamp())
		}
	case events.TextInput:
		p.handleTextInput(typedEvent)
	case events.PartialText:
		p.relay(typedEvent.Role, typedEvent.Text, false)
	case events.FinalText:
		p.relay(typedEvent.Role, typedEvent.Text, true)
	case events.ConnectionStatus:
		p.handleConnectionStatus(typedEvent)
	}
}

func (p *pipeline) drainFrames(cutoff time.Time) {
	for _, frame := range p.frames.popUntil(cutoff) {
		sequence, dropped := p.turns.addFrame(frame.role, frame.audio)
		if dropped > 0 {
			p.emit(events.NewTurnDiagnostic(events.DiagnosticSlowPathFrameDropped, p.id, sequence,
				fmt.Sprintf("dropped %d bytes of %s audio past the maximum turn duration", dropped, frame.role)))
		}
	}
}

func (p *pipeline) openTurn(role conversations.Role, at time.Time) {
	if p.turns.isOpen(role) {
		return
	}
	p.applyPendingDirective(at)

	p.historyMu.Lock()
	turn, opened := p.turns.start(role, at, string(p.appliedDirective.Persona))
	p.historyMu.Unlock()
	if !opened {
		return
	}

	p.setOpenSequence(role, int64(turn.Sequence))
	turnsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", string(role))))
	p.log.Debug("turn opened", "turn_sequence", turn.Sequence, "role", string(role), "persona", turn.Persona)
}

func (p *pipeline) closeTurn(role conversations.Role, at time.Time) {
	p.historyMu.Lock()
	turn, frames, closed := p.turns.end(role, at)
	p.historyMu.Unlock()
	if !closed {
		return
	}

	p.setOpenSequence(role, -1)
	p.log.Debug("turn closed", "turn_sequence", turn.Sequence, "role", string(role), "audio_bytes", turn.Audio.Bytes)
	p.dispatchTurn(turn, frames)
}

func (p *pipeline) handleTextInput(input events.TextInput) {
	p.applyPendingDirective(input.Timestamp())

	p.historyMu.Lock()
	turn := p.turns.textTurn(input.Timestamp(), string(p.appliedDirective.Persona))
	p.historyMu.Unlock()
	turnsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", string(turn.Role))))

	if err := p.engine.SendText(input.Text); err != nil {
		p.log.Warn("failed to send text input to realtime engine", "turn_sequence", turn.Sequence, "error", err)
	}
	p.dispatchText(turn, input.Text)
}

func (p *pipeline) relay(role conversations.Role, text string, final bool) {
	if err := p.transport.publishSideband(fastPathTextMessage(role, text, final), TopicTranscription); err != nil {
		p.log.Debug("failed to relay fast path text", "error", err)
	}
}

func (p *pipeline) handleConnectionStatus(status events.ConnectionStatus) {
	p.connection = status.State

	detail := ""
	if status.Err != nil {
		detail = status.Err.Error()
	}
	switch status.State {
	case events.ConnectionDropped:
		p.emit(events.NewDiagnostic(events.DiagnosticConnectionDropped, p.id, detail))
	case events.ConnectionRestored:
		p.emit(events.NewDiagnostic(events.DiagnosticConnectionRestored, p.id,
			fmt.Sprintf("restored after %d attempts", status.Attempt)))
	case events.ConnectionLost:
		p.emit(events.NewDiagnostic(events.DiagnosticConnectionLost, p.id, detail))
	case events.ConnectionReconnecting:
		p.log.Debug("reconnecting to realtime engine", "attempt", status.Attempt)
	}
}

func (p *pipeline) applyOutcome(outcome turnOutcome) {
	p.historyMu.Lock()
	turn, ok := p.turns.turn(outcome.sequence)
	if !ok || turn.ID != outcome.turnID || turn.Status == conversations.TurnTranscribed {
		p.historyMu.Unlock()
		return
	}
	turn.Status = outcome.status
	turn.StatusReason = outcome.reason
	if outcome.status == conversations.TurnTranscribed {
		text := outcome.text
		turn.FinalizedText = &text
	}
	role := turn.Role
	p.historyMu.Unlock()

	if outcome.status != conversations.TurnTranscribed {
		return
	}

	sequence := outcome.sequence
	if err := p.transport.publishSideband(sidebandMessage{
		Type:     "transcript_segment",
		Text:     outcome.text,
		Role:     string(role),
		Sequence: &sequence,
	}, TopicTranscript); err != nil {
		p.log.Debug("failed to relay transcript segment", "error", err)
	}

	if role == conversations.RoleUser {
		p.observeScene()
	}
}

// observeScene lets the persona policy react to newly finalized user text.
// A resulting directive waits for the next turn of either role to start.
func (p *pipeline) observeScene() {
	directive, changed := p.machine.Observe(p.turns.finalized())
	if !changed {
		return
	}
	if directive.Persona == p.appliedDirective.Persona {
		p.pendingDirective = nil
		return
	}
	p.pendingDirective = &directive
}

func (p *pipeline) applyPendingDirective(at time.Time) {
	if p.pendingDirective == nil {
		return
	}
	directive := *p.pendingDirective
	p.pendingDirective = nil

	if err := p.engine.ApplyDirective(directive); err != nil {
		p.log.Warn("failed to apply persona directive", "persona", string(directive.Persona), "error", err)
	}
	previous := p.appliedDirective.Persona
	p.appliedDirective = directive

	sequence := p.turns.nextSeq
	p.emit(events.NewTurnDiagnostic(events.DiagnosticPersonaTransition, p.id, sequence,
		fmt.Sprintf("%s -> %s", previous, directive.Persona)))
	if err := p.transport.publishSideband(sidebandMessage{Type: "persona", Persona: string(directive.Persona)}, TopicScene); err != nil {
		p.log.Debug("failed to relay persona", "error", err)
	}
	p.background("record persona", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.config.stopOverhead)
		defer cancel()
		return p.persistence.recordPersona(ctx, p.id, sequence, string(directive.Persona), at)
	})
}

func (p *pipeline) recentHistory(n int) ([]conversations.TurnEvent, error) {
	p.historyMu.RLock()
	history := p.turns.history
	if n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	snapshot := make([]conversations.TurnEvent, 0, len(history))
	err := copier.Copy(&snapshot, history)
	p.historyMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to copy history: %w", err)
	}

	for i := range snapshot {
		if snapshot[i].FinalizedText != nil {
			text := *snapshot[i].FinalizedText
			snapshot[i].FinalizedText = &text
		}
	}
	return snapshot, nil
}

// stop tears the session down within GracePeriod + StopOverhead, whatever
// the engines and the sink do.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		started := time.Now()
		ctx, span := tracer.Start(context.Background(), "stop session", trace.WithAttributes(attribute.String("session.id", p.id)))
		defer span.End()

		p.stopping.Store(true)
		p.transport.unbind()

		teardownDeadline := started.Add(p.config.stopOverhead / 2)

		engineClosed := make(chan struct{})
		go func() {
			defer close(engineClosed)
			if p.engine == nil {
				return
			}
			if err := p.engine.Close(); err != nil {
				p.log.Warn("failed to close realtime engine", "error", err)
			}
		}()
		if !waitTimeout(engineClosed, remaining(teardownDeadline)) {
			p.log.Warn("realtime engine did not close in time")
		}

		close(p.forwarderStop)
		waitTimeout(p.forwarderDone, remaining(teardownDeadline))

		close(p.closeCh)
		loopExited := waitTimeout(p.loopDone, remaining(teardownDeadline))
		if !loopExited {
			p.log.Warn("dispatch loop did not flush in time")
		}

		if !p.tasks.wait(p.config.gracePeriod) {
			p.log.Warn("transcriptions still running after grace period", "pending", p.tasks.pending())
		}
		p.tasks.close()
		if loopExited {
			p.applyQueuedOutcomes()
		}

		finalDeadline := time.Now().Add(p.config.stopOverhead / 2)
		finalCtx, cancel := context.WithDeadline(ctx, finalDeadline)
		defer cancel()

		abandoned := p.ledger.abandonUnsettled()
		const reason = "incomplete: session stopped before transcription completed"
		for _, segment := range abandoned {
			sequence := segment.TurnSequence
			p.emit(events.NewTurnDiagnostic(events.DiagnosticIncomplete, p.id, sequence, reason))
			p.background("mark incomplete", func(context.Context) error {
				return p.persistence.markIncomplete(finalCtx, p.id, sequence, reason)
			})
		}
		if loopExited {
			p.markHistoryIncomplete(abandoned, reason)
		}

		p.background("end session", func(context.Context) error {
			return p.persistence.endSession(finalCtx, p.id, time.Now())
		})
		if !waitTimeout(waitGroupDone(&p.bg), remaining(finalDeadline)) {
			p.log.Warn("persistence did not settle before stop deadline")
		}

		activeSessionsCounter.Add(ctx, -1)
		span.SetAttributes(attribute.Int("session.incomplete_turns", len(abandoned)))
		p.log.Info("session stopped", "incomplete_turns", len(abandoned), "duration", time.Since(started))
		close(p.stopped)
	})
}

func (p *pipeline) markHistoryIncomplete(segments []conversations.TranscriptSegment, reason string) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	for _, segment := range segments {
		if turn, ok := p.turns.turn(segment.TurnSequence); ok && !turn.Status.Terminal() {
			turn.Status = conversations.TurnIncomplete
			turn.StatusReason = reason
		}
	}
}
