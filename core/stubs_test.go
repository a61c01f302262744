package orchestration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
	"github.com/koscakluka/ema-classroom/core/scene"
)

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

// frameOf builds a linear16 frame whose first byte tags the turn it belongs to.
func frameOf(tag byte) []byte {
	frame := make([]byte, 480)
	frame[0] = tag
	return frame
}

type sidebandRecord struct {
	payload string
	topic   string
}

type stubTransport struct {
	mu       sync.Mutex
	onFrame  func([]byte)
	onText   func(string)
	frames   [][]byte
	sideband []sidebandRecord
}

func (s *stubTransport) OnFrameReceived(callback func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = callback
}

func (s *stubTransport) OnTextInput(callback func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onText = callback
}

func (s *stubTransport) PublishFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *stubTransport) PublishSideband(payload []byte, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sideband = append(s.sideband, sidebandRecord{payload: string(payload), topic: topic})
	return nil
}

func (s *stubTransport) receive(frame []byte) {
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}

func (s *stubTransport) typeText(text string) {
	s.mu.Lock()
	onText := s.onText
	s.mu.Unlock()
	if onText != nil {
		onText(text)
	}
}

func (s *stubTransport) sidebandOn(topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	payloads := []string{}
	for _, record := range s.sideband {
		if record.topic == topic {
			payloads = append(payloads, record.payload)
		}
	}
	return payloads
}

type stubEngine struct {
	options realtime.SessionOptions

	mu         sync.Mutex
	audio      int
	audioAt    []time.Time
	texts      []string
	directives []scene.PersonaDirective
	closed     bool
	textCalls  int

	// sendTextGate blocks SendText until closed, when set.
	sendTextGate chan struct{}
}

func (e *stubEngine) SendAudio([]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio++
	e.audioAt = append(e.audioAt, time.Now())
	return nil
}

func (e *stubEngine) SendText(text string) error {
	e.mu.Lock()
	e.textCalls++
	e.mu.Unlock()
	if e.sendTextGate != nil {
		<-e.sendTextGate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	return nil
}

func (e *stubEngine) ApplyDirective(directive scene.PersonaDirective) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directives = append(e.directives, directive)
	return nil
}

func (e *stubEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEngine) audioFrames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio
}

// audioReceivedAt returns when each forwarded frame reached the engine.
func (e *stubEngine) audioReceivedAt() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.audioAt...)
}

func (e *stubEngine) sentTexts() ([]string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...), e.textCalls
}

func (e *stubEngine) appliedDirectives() []scene.PersonaDirective {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]scene.PersonaDirective(nil), e.directives...)
}

func (e *stubEngine) boundary(role conversations.Role, edge events.Edge) {
	e.options.TurnBoundaryCallback(role, edge)
}

// agentTurn plays one agent utterance through the engine callbacks.
func (e *stubEngine) agentTurn(tag byte) {
	e.boundary(conversations.RoleAgent, events.EdgeStart)
	e.options.AudioCallback(frameOf(tag))
	e.boundary(conversations.RoleAgent, events.EdgeEnd)
}

func connectorFor(engine *stubEngine) realtime.Connector {
	return realtime.ConnectorFunc(func(_ context.Context, opts ...realtime.SessionOption) (realtime.Session, error) {
		engine.options = realtime.NewSessionOptions(opts...)
		return engine, nil
	})
}

// scriptedDetector reports one edge per frame until its script runs out.
type scriptedDetector struct {
	edges []events.Edge
	next  int
}

func (d *scriptedDetector) Detect([]byte) (events.Edge, bool) {
	if d.next >= len(d.edges) {
		return "", false
	}
	edge := d.edges[d.next]
	d.next++
	return edge, true
}

func alternatingEdges(n int) []events.Edge {
	edges := make([]events.Edge, n)
	for i := range edges {
		edges[i] = events.EdgeStart
		if i%2 == 1 {
			edges[i] = events.EdgeEnd
		}
	}
	return edges
}

type incompleteRecord struct {
	sequence uint64
	reason   string
}

type personaRecord struct {
	sequence uint64
	persona  string
}

type recordingSink struct {
	mu         sync.Mutex
	segments   []conversations.TranscriptSegment
	incomplete []incompleteRecord
	personas   []personaRecord
	begun      int
	ended      int

	// appendGate blocks AppendSegment until closed, when set.
	appendGate chan struct{}
}

func (s *recordingSink) AppendTranscript(ctx context.Context, sessionID string, turnSequence uint64, role conversations.Role, text string, timestamp time.Time) error {
	return s.AppendSegment(ctx, conversations.TranscriptSegment{
		SessionID:    sessionID,
		TurnSequence: turnSequence,
		Role:         role,
		Text:         text,
		Timestamp:    timestamp,
	})
}

func (s *recordingSink) AppendSegment(ctx context.Context, segment conversations.TranscriptSegment) error {
	if s.appendGate != nil {
		select {
		case <-s.appendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, segment)
	return nil
}

func (s *recordingSink) MarkIncomplete(_ context.Context, _ string, turnSequence uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomplete = append(s.incomplete, incompleteRecord{sequence: turnSequence, reason: reason})
	return nil
}

func (s *recordingSink) BeginSession(context.Context, conversations.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun++
	return nil
}

func (s *recordingSink) EndSession(context.Context, string, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
	return nil
}

func (s *recordingSink) RecordPersona(_ context.Context, _ string, turnSequence uint64, persona string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas = append(s.personas, personaRecord{sequence: turnSequence, persona: persona})
	return nil
}

func (s *recordingSink) sortedSegments() []conversations.TranscriptSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	segments := append([]conversations.TranscriptSegment(nil), s.segments...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].TurnSequence < segments[j].TurnSequence })
	return segments
}

func (s *recordingSink) incompleteTurns() []incompleteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]incompleteRecord(nil), s.incomplete...)
}

func (s *recordingSink) segmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

type diagnosticRecorder struct {
	mu          sync.Mutex
	diagnostics []events.Diagnostic
}

func (r *diagnosticRecorder) handle(diagnostic events.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, diagnostic)
}

func (r *diagnosticRecorder) withCode(code events.DiagnosticCode) []events.Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	matching := []events.Diagnostic{}
	for _, diagnostic := range r.diagnostics {
		if diagnostic.Code == code {
			matching = append(matching, diagnostic)
		}
	}
	return matching
}

var errProvider = errors.New("provider unavailable")
