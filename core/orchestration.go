package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator runs the dual-path pipeline for any number of sessions. Each
// session forwards audio to a realtime engine and, independently, turns the
// same audio into an ordered, persisted transcript.
type Coordinator struct {
	config coordinatorConfig

	mu       sync.Mutex
	sessions map[string]*pipeline
	// starting holds ids whose engine is still connecting. They are not
	// visible to Stop or the submit calls until Start returns.
	starting map[string]struct{}
	closed   bool
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		config:   defaultCoordinatorConfig(),
		sessions: map[string]*pipeline{},
		starting: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.config.normalize()
	return c
}

// Start attaches a session to transport. ctx bounds the engine connection and
// the lifetime of the session: cancelling it stops the session.
func (c *Coordinator) Start(ctx context.Context, sessionID string, transport Transport) (*Handle, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	_, active := c.sessions[sessionID]
	_, starting := c.starting[sessionID]
	if active || starting {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyActive, sessionID)
	}
	config := c.config
	p := newPipeline(sessionID, &config, transport)
	c.starting[sessionID] = struct{}{}
	c.mu.Unlock()

	err := p.start(ctx)

	c.mu.Lock()
	delete(c.starting, sessionID)
	closed := c.closed
	if err == nil && !closed {
		c.sessions[sessionID] = p
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if closed {
		// Close ran while connecting and could not see this session.
		p.stop()
		return nil, ErrCoordinatorClosed
	}

	withContextCancelHook(ctx, p.stopped, func() {
		if err := c.Stop(sessionID); err != nil {
			p.log.Debug("session already stopped", "error", err)
		}
	})

	return &Handle{coordinator: c, sessionID: sessionID, pipeline: p}, nil
}

// Stop ends a session. It returns within the grace period plus the stop
// overhead even when transcription or persistence calls hang.
func (c *Coordinator) Stop(sessionID string) error {
	c.mu.Lock()
	p, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	p.stop()
	return nil
}

func (c *Coordinator) SubmitAudio(sessionID string, frame []byte) error {
	p, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return p.submitAudio(frame)
}

func (c *Coordinator) SubmitTextInput(sessionID string, text string) error {
	p, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return p.submitText(text)
}

// OnTurnBoundary reports a turn edge detected outside the realtime engine.
func (c *Coordinator) OnTurnBoundary(sessionID string, role conversations.Role, edge events.Edge) error {
	p, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return p.onTurnBoundary(role, edge)
}

// OnFastPathText relays provisional text to the session's transport. It is
// never persisted.
func (c *Coordinator) OnFastPathText(sessionID string, role conversations.Role, text string, final bool) error {
	p, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return p.onFastPathText(role, text, final)
}

// FinalizeTranscript persists externally transcribed text for a closed turn.
// A turn is persisted at most once; later calls are no-ops.
func (c *Coordinator) FinalizeTranscript(ctx context.Context, sessionID string, turnID uuid.UUID, text string) error {
	p, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return p.finalizeTranscript(ctx, turnID, text)
}

// RecentHistory returns up to n turns of a live session, oldest first.
func (c *Coordinator) RecentHistory(sessionID string, n int) ([]conversations.TurnEvent, error) {
	p, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	return p.recentHistory(n)
}

func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops every session and rejects new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*pipeline, 0, len(c.sessions))
	for id, p := range c.sessions {
		sessions = append(sessions, p)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.stop()
		}()
	}
	wg.Wait()
}

func (c *Coordinator) session(sessionID string) (*pipeline, error) {
	c.mu.Lock()
	p, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok || p.stopping.Load() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return p, nil
}

// Handle is a started session.
type Handle struct {
	coordinator *Coordinator
	sessionID   string
	pipeline    *pipeline
}

var _ conversations.HistoryReader = (*Handle)(nil)

func (h *Handle) ID() string { return h.sessionID }

// Done is closed once the session has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.pipeline.stopped }

// SubmitAudio returns ErrSessionNotFound once the session is stopping.
func (h *Handle) SubmitAudio(frame []byte) error { return h.pipeline.submitAudio(frame) }

func (h *Handle) SubmitTextInput(text string) error {
	if h.pipeline.stopping.Load() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, h.sessionID)
	}
	return h.pipeline.submitText(text)
}

func (h *Handle) OnTurnBoundary(role conversations.Role, edge events.Edge) error {
	return h.pipeline.onTurnBoundary(role, edge)
}

func (h *Handle) OnFastPathText(role conversations.Role, text string, final bool) error {
	return h.pipeline.onFastPathText(role, text, final)
}

// FinalizeTranscript is a no-op for turns the session abandoned on stop.
func (h *Handle) FinalizeTranscript(ctx context.Context, turnID uuid.UUID, text string) error {
	return h.pipeline.finalizeTranscript(ctx, turnID, text)
}

func (h *Handle) RecentHistory(n int) ([]conversations.TurnEvent, error) {
	return h.pipeline.recentHistory(n)
}

func (h *Handle) Stop() error {
	err := h.coordinator.Stop(h.sessionID)
	if err != nil {
		// Already removed by Close or a cancelled context; wait for that stop.
		h.pipeline.stop()
	}
	return nil
}

func (p *pipeline) onTurnBoundary(role conversations.Role, edge events.Edge) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if edge != events.EdgeStart && edge != events.EdgeEnd {
		return fmt.Errorf("invalid turn edge %q", edge)
	}
	if p.stopping.Load() || !p.post(events.NewTurnBoundaryAt(role, edge, time.Now())) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, p.id)
	}
	return nil
}

func (p *pipeline) onFastPathText(role conversations.Role, text string, final bool) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if final {
		p.tryPost(events.NewFinalText(role, text))
	} else {
		p.tryPost(events.NewPartialText(role, text))
	}
	return nil
}

func (p *pipeline) finalizeTranscript(ctx context.Context, turnID uuid.UUID, text string) (err error) {
	ctx, span := tracer.Start(ctx, "finalize transcript", trace.WithAttributes(
		attribute.String("session.id", p.id),
		attribute.String("turn.id", turnID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	persisted, err := p.finalize(ctx, turnID, text)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("turn.persisted", persisted))
	return nil
}
