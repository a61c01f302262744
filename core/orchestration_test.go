package orchestration

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
	"github.com/koscakluka/ema-classroom/core/scene"
	"github.com/koscakluka/ema-classroom/core/speechtotext"
	"github.com/koscakluka/ema-classroom/internal/store"
)

type testSession struct {
	coordinator *Coordinator
	handle      *Handle
	engine      *stubEngine
	transport   *stubTransport
	sink        *recordingSink
	diagnostics *diagnosticRecorder
}

func newTestSession(t *testing.T, opts ...CoordinatorOption) *testSession {
	t.Helper()
	return newTestSessionWith(t, &stubEngine{}, &recordingSink{}, opts...)
}

func newTestSessionWith(t *testing.T, engine *stubEngine, sink *recordingSink, opts ...CoordinatorOption) *testSession {
	t.Helper()

	env := &testSession{
		engine:      engine,
		transport:   &stubTransport{},
		sink:        sink,
		diagnostics: &diagnosticRecorder{},
	}
	base := []CoordinatorOption{
		WithRealtimeConnector(connectorFor(engine)),
		WithPersistenceSink(sink),
		WithDiagnosticHandler(env.diagnostics.handle),
		WithTranscriptionRetryBase(time.Millisecond),
	}
	env.coordinator = NewCoordinator(append(base, opts...)...)
	t.Cleanup(env.coordinator.Close)

	handle, err := env.coordinator.Start(context.Background(), "session-1", env.transport)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	env.handle = handle
	return env
}

func (env *testSession) userTurn(t *testing.T, tag byte) {
	t.Helper()
	if err := env.handle.OnTurnBoundary(conversations.RoleUser, events.EdgeStart); err != nil {
		t.Fatalf("failed to open user turn: %v", err)
	}
	env.transport.receive(frameOf(tag))
	if err := env.handle.OnTurnBoundary(conversations.RoleUser, events.EdgeEnd); err != nil {
		t.Fatalf("failed to close user turn: %v", err)
	}
}

func (env *testSession) history(t *testing.T) []conversations.TurnEvent {
	t.Helper()
	history, err := env.handle.RecentHistory(0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	return history
}

func (env *testSession) waitForStatus(t *testing.T, sequence int, status conversations.TurnStatus) {
	t.Helper()
	waitForCondition(t, 2*time.Second, fmt.Sprintf("turn %d to be %s", sequence, status), func() bool {
		history := env.history(t)
		return len(history) > sequence && history[sequence].Status == status
	})
}

func taggedTranscriber(texts map[byte]string) speechtotext.Transcriber {
	return speechtotext.TranscriberFunc(func(_ context.Context, request speechtotext.Request) (speechtotext.Result, error) {
		return speechtotext.Result{Text: texts[request.Audio[0][0]]}, nil
	})
}

func TestStartWithoutConnectorFails(t *testing.T) {
	c := NewCoordinator()
	defer c.Close()

	_, err := c.Start(context.Background(), "session-1", &stubTransport{})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestStartConnectFailureReleasesSessionID(t *testing.T) {
	fail := true
	engine := &stubEngine{}
	connector := realtime.ConnectorFunc(func(ctx context.Context, opts ...realtime.SessionOption) (realtime.Session, error) {
		if fail {
			return nil, errProvider
		}
		return connectorFor(engine).Connect(ctx, opts...)
	})
	c := NewCoordinator(WithRealtimeConnector(connector))
	defer c.Close()

	_, err := c.Start(context.Background(), "session-1", &stubTransport{})
	if !errors.Is(err, ErrEngineUnavailable) || !errors.Is(err, errProvider) {
		t.Fatalf("expected wrapped engine failure, got %v", err)
	}
	if c.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions, got %d", c.ActiveSessions())
	}

	fail = false
	if _, err := c.Start(context.Background(), "session-1", &stubTransport{}); err != nil {
		t.Fatalf("expected session id to be reusable, got %v", err)
	}
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	env := newTestSession(t)

	_, err := env.coordinator.Start(context.Background(), "session-1", &stubTransport{})
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive, got %v", err)
	}
	if env.coordinator.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d", env.coordinator.ActiveSessions())
	}
	if env.sink.begun != 1 {
		t.Fatalf("expected session to be begun once, got %d", env.sink.begun)
	}
}

func TestClosedCoordinatorRejectsSessions(t *testing.T) {
	env := newTestSession(t)
	env.coordinator.Close()

	if _, err := env.coordinator.Start(context.Background(), "session-2", &stubTransport{}); !errors.Is(err, ErrCoordinatorClosed) {
		t.Fatalf("expected ErrCoordinatorClosed, got %v", err)
	}
	if err := env.coordinator.SubmitAudio("session-1", frameOf(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	select {
	case <-env.handle.Done():
	default:
		t.Fatalf("expected Close to stop the session")
	}
}

func TestTurnsPersistInDetectionOrder(t *testing.T) {
	transcriber := speechtotext.TranscriberFunc(func(ctx context.Context, request speechtotext.Request) (speechtotext.Result, error) {
		tag := request.Audio[0][0]
		// Later turns finish first.
		select {
		case <-time.After(time.Duration(7-tag) * 15 * time.Millisecond):
		case <-ctx.Done():
			return speechtotext.Result{}, ctx.Err()
		}
		return speechtotext.Result{Text: fmt.Sprintf("turn %d", tag)}, nil
	})
	env := newTestSession(t, WithTranscriber(transcriber))

	for i := 0; i < 3; i++ {
		env.userTurn(t, byte(2*i+1))
		env.engine.agentTurn(byte(2*i + 2))
	}

	waitForCondition(t, 2*time.Second, "six persisted segments", func() bool {
		return env.sink.segmentCount() == 6
	})

	for i, segment := range env.sink.sortedSegments() {
		if segment.TurnSequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, segment.TurnSequence)
		}
		if want := fmt.Sprintf("turn %d", i+1); segment.Text != want {
			t.Fatalf("expected segment %d to be %q, got %q", i, want, segment.Text)
		}
		wantRole := conversations.RoleUser
		if i%2 == 1 {
			wantRole = conversations.RoleAgent
		}
		if segment.Role != wantRole {
			t.Fatalf("expected segment %d role %s, got %s", i, wantRole, segment.Role)
		}
		if segment.Source != conversations.SourceSlowPath {
			t.Fatalf("expected slow path source, got %s", segment.Source)
		}
	}

	env.waitForStatus(t, 5, conversations.TurnTranscribed)
	for i, turn := range env.history(t) {
		if turn.Sequence != uint64(i) {
			t.Fatalf("expected history sequence %d, got %d", i, turn.Sequence)
		}
	}
}

func TestTranscriptionFailureMarksTurnIncomplete(t *testing.T) {
	var failedAttempts atomic.Int32
	transcriber := speechtotext.TranscriberFunc(func(_ context.Context, request speechtotext.Request) (speechtotext.Result, error) {
		tag := request.Audio[0][0]
		if tag == 3 {
			failedAttempts.Add(1)
			return speechtotext.Result{}, errProvider
		}
		return speechtotext.Result{Text: fmt.Sprintf("turn %d", tag)}, nil
	})
	env := newTestSession(t, WithTranscriber(transcriber))

	for i := 0; i < 3; i++ {
		env.userTurn(t, byte(2*i+1))
		env.engine.agentTurn(byte(2*i + 2))
	}

	env.waitForStatus(t, 2, conversations.TurnTranscriptionFailed)
	waitForCondition(t, 2*time.Second, "five persisted segments", func() bool {
		return env.sink.segmentCount() == 5
	})

	if got := failedAttempts.Load(); got != 2 {
		t.Fatalf("expected one retry for the failing turn, got %d attempts", got)
	}

	incomplete := env.sink.incompleteTurns()
	if len(incomplete) != 1 || incomplete[0].sequence != 2 {
		t.Fatalf("expected turn 2 to be marked incomplete, got %+v", incomplete)
	}
	if !strings.HasPrefix(incomplete[0].reason, "transcription_failed") {
		t.Fatalf("expected transcription_failed reason, got %q", incomplete[0].reason)
	}

	diagnostics := env.diagnostics.withCode(events.DiagnosticTranscriptionFailed)
	if len(diagnostics) != 1 || diagnostics[0].TurnSequence != 2 {
		t.Fatalf("expected one transcription_failed diagnostic for turn 2, got %+v", diagnostics)
	}

	for _, segment := range env.sink.sortedSegments() {
		if segment.TurnSequence == 2 {
			t.Fatalf("expected failed turn to have no segment")
		}
	}
}

func TestEmptyTranscriptIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	transcriber := speechtotext.TranscriberFunc(func(context.Context, speechtotext.Request) (speechtotext.Result, error) {
		attempts.Add(1)
		return speechtotext.Result{}, nil
	})
	env := newTestSession(t, WithTranscriber(transcriber))

	env.userTurn(t, 1)
	env.waitForStatus(t, 0, conversations.TurnTranscriptionFailed)

	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt for empty audio, got %d", got)
	}
}

func TestFinalizeTranscriptIsIdempotent(t *testing.T) {
	env := newTestSession(t)

	env.userTurn(t, 1)
	env.waitForStatus(t, 0, conversations.TurnClosed)
	turnID := env.history(t)[0].ID

	ctx := context.Background()
	if err := env.handle.FinalizeTranscript(ctx, turnID, "hello class"); err != nil {
		t.Fatalf("failed to finalize transcript: %v", err)
	}
	if err := env.coordinator.FinalizeTranscript(ctx, "session-1", turnID, "hello again"); err != nil {
		t.Fatalf("expected repeated finalize to be a no-op, got %v", err)
	}
	if err := env.handle.FinalizeTranscript(ctx, uuid.New(), "nobody"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}

	env.waitForStatus(t, 0, conversations.TurnTranscribed)
	segments := env.sink.sortedSegments()
	if len(segments) != 1 || segments[0].Text != "hello class" {
		t.Fatalf("expected exactly one segment with the first text, got %+v", segments)
	}
	if text := env.history(t)[0].Text(); text != "hello class" {
		t.Fatalf("expected history text to match the persisted segment, got %q", text)
	}
}

func TestDuplicateBoundariesAreIgnored(t *testing.T) {
	env := newTestSession(t)

	env.engine.boundary(conversations.RoleUser, events.EdgeStart)
	env.engine.boundary(conversations.RoleUser, events.EdgeStart)
	env.transport.receive(frameOf(1))
	env.engine.boundary(conversations.RoleUser, events.EdgeEnd)
	env.engine.boundary(conversations.RoleUser, events.EdgeEnd)
	env.engine.agentTurn(2)

	env.waitForStatus(t, 1, conversations.TurnClosed)
	history := env.history(t)
	if len(history) != 2 {
		t.Fatalf("expected two turns, got %d", len(history))
	}
	if history[0].Audio.Frames != 1 || history[0].Audio.Bytes != 480 {
		t.Fatalf("expected the user frame in the first turn, got %+v", history[0].Audio)
	}
	if history[0].Audio.Duration != 10*time.Millisecond {
		t.Fatalf("expected 10ms of audio, got %v", history[0].Audio.Duration)
	}
}

func TestStopReturnsWithinBoundWhenTranscriberHangs(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{}, 1)
	transcriber := speechtotext.TranscriberFunc(func(context.Context, speechtotext.Request) (speechtotext.Result, error) {
		entered <- struct{}{}
		<-release
		return speechtotext.Result{Text: "too late"}, nil
	})
	grace, overhead := 100*time.Millisecond, 300*time.Millisecond
	env := newTestSession(t,
		WithTranscriber(transcriber),
		WithTranscriptionTimeout(10*time.Second),
		WithGracePeriod(grace),
		WithStopOverhead(overhead),
	)

	env.userTurn(t, 1)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcription to start")
	}

	started := time.Now()
	if err := env.handle.Stop(); err != nil {
		t.Fatalf("failed to stop session: %v", err)
	}
	if elapsed := time.Since(started); elapsed > grace+overhead+200*time.Millisecond {
		t.Fatalf("expected stop within %v, took %v", grace+overhead, elapsed)
	}

	incomplete := env.sink.incompleteTurns()
	if len(incomplete) != 1 || incomplete[0].sequence != 0 {
		t.Fatalf("expected turn 0 to be marked incomplete, got %+v", incomplete)
	}
	if len(env.diagnostics.withCode(events.DiagnosticIncomplete)) != 1 {
		t.Fatalf("expected an incomplete diagnostic")
	}
	if env.sink.ended != 1 {
		t.Fatalf("expected session to be ended in the sink")
	}

	history := env.history(t)
	if history[0].Status != conversations.TurnIncomplete {
		t.Fatalf("expected turn to be incomplete, got %s", history[0].Status)
	}
	if err := env.handle.FinalizeTranscript(context.Background(), history[0].ID, "late"); err != nil {
		t.Fatalf("expected finalize of abandoned turn to be a no-op, got %v", err)
	}
	if env.sink.segmentCount() != 0 {
		t.Fatalf("expected no segment for abandoned turn")
	}
}

func TestStopDispatchesOpenTurns(t *testing.T) {
	env := newTestSession(t, WithTranscriber(taggedTranscriber(map[byte]string{1: "unfinished thought"})))

	if err := env.handle.OnTurnBoundary(conversations.RoleUser, events.EdgeStart); err != nil {
		t.Fatalf("failed to open turn: %v", err)
	}
	env.transport.receive(frameOf(1))
	if err := env.coordinator.Stop("session-1"); err != nil {
		t.Fatalf("failed to stop session: %v", err)
	}

	segments := env.sink.sortedSegments()
	if len(segments) != 1 || segments[0].Text != "unfinished thought" {
		t.Fatalf("expected open turn to be transcribed during stop, got %+v", segments)
	}
	if err := env.coordinator.Stop("session-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second stop, got %v", err)
	}
}

// forwardingLatencies submits frames one at a time and returns how long each
// took to reach the engine, with the number of slow path drops.
func forwardingLatencies(t *testing.T, frames int, saturated bool) ([]time.Duration, int) {
	t.Helper()
	gate := make(chan struct{})
	engine := &stubEngine{sendTextGate: gate}
	env := newTestSessionWith(t, engine, &recordingSink{},
		WithSlowPathQueueSize(8),
		WithFastPathQueueSize(256),
	)
	t.Cleanup(func() { close(gate) })

	if saturated {
		// Park the dispatch loop inside the engine.
		if err := env.handle.SubmitTextInput("hold on"); err != nil {
			t.Fatalf("failed to submit text: %v", err)
		}
		waitForCondition(t, time.Second, "dispatch loop to block", func() bool {
			_, calls := engine.sentTexts()
			return calls == 1
		})
	}

	submitted := make([]time.Time, frames)
	for i := 0; i < frames; i++ {
		submitted[i] = time.Now()
		if err := env.handle.SubmitAudio(frameOf(byte(i))); err != nil {
			t.Fatalf("expected frame %d to be accepted, got %v", i, err)
		}
		if elapsed := time.Since(submitted[i]); elapsed > 50*time.Millisecond {
			t.Fatalf("expected submit to return immediately, took %v", elapsed)
		}
		time.Sleep(time.Millisecond)
	}

	waitForCondition(t, time.Second, "all frames to reach the engine", func() bool {
		return engine.audioFrames() == frames
	})
	latencies := make([]time.Duration, frames)
	for i, receivedAt := range engine.audioReceivedAt() {
		latencies[i] = receivedAt.Sub(submitted[i])
	}
	return latencies, len(env.diagnostics.withCode(events.DiagnosticSlowPathFrameDropped))
}

func latencyStats(latencies []time.Duration) (mean, p95 time.Duration) {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, latency := range sorted {
		total += latency
	}
	return total / time.Duration(len(sorted)), sorted[len(sorted)*95/100]
}

func TestFastPathIsUnaffectedBySlowPathSaturation(t *testing.T) {
	const frames = 100

	baseline, baselineDrops := forwardingLatencies(t, frames, false)
	saturated, saturatedDrops := forwardingLatencies(t, frames, true)

	if baselineDrops != 0 {
		t.Fatalf("expected no slow path drops without saturation, got %d", baselineDrops)
	}
	if saturatedDrops != frames-8 {
		t.Fatalf("expected %d slow path drops, got %d", frames-8, saturatedDrops)
	}

	baselineMean, baselineP95 := latencyStats(baseline)
	saturatedMean, saturatedP95 := latencyStats(saturated)
	// Allow for scheduler jitter.
	const slack = 10 * time.Millisecond
	if saturatedMean > 2*baselineMean+slack {
		t.Fatalf("expected mean forwarding latency near %v under saturation, got %v", baselineMean, saturatedMean)
	}
	if saturatedP95 > 2*baselineP95+slack {
		t.Fatalf("expected p95 forwarding latency near %v under saturation, got %v", baselineP95, saturatedP95)
	}
}

func TestConnectionLossKeepsSessionAlive(t *testing.T) {
	env := newTestSession(t, WithTranscriber(taggedTranscriber(map[byte]string{1: "first", 2: "second"})))
	status := env.engine.options.ConnectionStatusCallback

	env.engine.boundary(conversations.RoleUser, events.EdgeStart)
	env.transport.receive(frameOf(1))
	status(events.NewConnectionStatus(events.ConnectionDropped, 0, errProvider))
	status(events.NewConnectionStatus(events.ConnectionReconnecting, 1, nil))
	status(events.NewConnectionStatus(events.ConnectionRestored, 1, nil))
	// Engines replay the open edge after a reconnect.
	env.engine.boundary(conversations.RoleUser, events.EdgeStart)
	env.engine.boundary(conversations.RoleUser, events.EdgeEnd)

	env.waitForStatus(t, 0, conversations.TurnTranscribed)
	if len(env.history(t)) != 1 {
		t.Fatalf("expected reconnect not to duplicate the turn")
	}
	if len(env.diagnostics.withCode(events.DiagnosticConnectionDropped)) != 1 ||
		len(env.diagnostics.withCode(events.DiagnosticConnectionRestored)) != 1 {
		t.Fatalf("expected dropped and restored diagnostics")
	}

	status(events.NewConnectionStatus(events.ConnectionLost, 5, errProvider))
	waitForCondition(t, time.Second, "connection lost diagnostic", func() bool {
		return len(env.diagnostics.withCode(events.DiagnosticConnectionLost)) == 1
	})

	env.userTurn(t, 2)
	env.waitForStatus(t, 1, conversations.TurnTranscribed)
	if env.history(t)[1].Text() != "second" {
		t.Fatalf("expected slow path to keep working after the engine is lost")
	}
}

func TestPersonaAppliesFromNextTurn(t *testing.T) {
	env := newTestSession(t, WithTranscriber(taggedTranscriber(map[byte]string{
		1: "Could we ask the expert about photosynthesis?",
		2: "Sure, let me think.",
		3: "Why are leaves green?",
		4: "Chlorophyll reflects green light.",
	})))

	env.userTurn(t, 1)
	env.waitForStatus(t, 0, conversations.TurnTranscribed)
	// The reply to the triggering turn is already the expert's.
	env.engine.agentTurn(2)
	env.waitForStatus(t, 1, conversations.TurnTranscribed)
	env.userTurn(t, 3)
	env.engine.agentTurn(4)
	env.waitForStatus(t, 3, conversations.TurnTranscribed)

	want := []scene.Persona{scene.PersonaStudent, scene.PersonaExpert, scene.PersonaExpert, scene.PersonaExpert}
	for i, turn := range env.history(t) {
		if turn.Persona != string(want[i]) {
			t.Fatalf("expected turn %d persona %s, got %s", i, want[i], turn.Persona)
		}
	}

	directives := env.engine.appliedDirectives()
	if len(directives) != 1 || directives[0].Persona != scene.PersonaExpert {
		t.Fatalf("expected a single expert directive, got %+v", directives)
	}

	transitions := env.diagnostics.withCode(events.DiagnosticPersonaTransition)
	if len(transitions) != 1 || transitions[0].TurnSequence != 1 {
		t.Fatalf("expected persona transition at turn 1, got %+v", transitions)
	}

	waitForCondition(t, time.Second, "persona to be recorded", func() bool {
		env.sink.mu.Lock()
		defer env.sink.mu.Unlock()
		return len(env.sink.personas) == 1
	})
	if record := env.sink.personas[0]; record.sequence != 1 || record.persona != "expert" {
		t.Fatalf("unexpected persona record %+v", record)
	}

	scenes := env.transport.sidebandOn(TopicScene)
	if len(scenes) != 1 || !strings.Contains(scenes[0], `"persona":"expert"`) {
		t.Fatalf("expected persona sideband message, got %v", scenes)
	}
}

func TestTextInputBecomesUserTurn(t *testing.T) {
	env := newTestSession(t)

	env.transport.typeText("  what is a cell?  ")
	env.waitForStatus(t, 0, conversations.TurnTranscribed)

	texts, _ := env.engine.sentTexts()
	if len(texts) != 1 || texts[0] != "what is a cell?" {
		t.Fatalf("expected text to reach the engine, got %v", texts)
	}
	segments := env.sink.sortedSegments()
	if len(segments) != 1 || segments[0].Source != conversations.SourceTextInput || segments[0].Role != conversations.RoleUser {
		t.Fatalf("expected one user text segment, got %+v", segments)
	}
	if err := env.handle.SubmitTextInput("   "); !errors.Is(err, ErrEmptyTextInput) {
		t.Fatalf("expected ErrEmptyTextInput, got %v", err)
	}

	waitForCondition(t, time.Second, "transcript sideband message", func() bool {
		return len(env.transport.sidebandOn(TopicTranscript)) == 1
	})
	transcripts := env.transport.sidebandOn(TopicTranscript)
	if !strings.Contains(transcripts[0], `"type":"transcript_segment"`) {
		t.Fatalf("expected transcript sideband message, got %v", transcripts)
	}
}

func TestFastPathTextIsRelayedNotPersisted(t *testing.T) {
	env := newTestSession(t)

	env.engine.options.TextCallback(conversations.RoleAgent, "Photo", false)
	env.engine.options.TextCallback(conversations.RoleAgent, "Photosynthesis", true)
	if err := env.handle.OnFastPathText(conversations.RoleUser, "hi", true); err != nil {
		t.Fatalf("failed to relay text: %v", err)
	}

	waitForCondition(t, time.Second, "relayed text", func() bool {
		return len(env.transport.sidebandOn(TopicTranscription)) == 3
	})
	relayed := strings.Join(env.transport.sidebandOn(TopicTranscription), "\n")
	for _, want := range []string{`"agent_response_delta"`, `"agent_response"`, `"user_transcription"`} {
		if !strings.Contains(relayed, want) {
			t.Fatalf("expected %s in relayed messages, got %s", want, relayed)
		}
	}
	if env.sink.segmentCount() != 0 {
		t.Fatalf("expected fast path text not to be persisted")
	}
}

func TestAgentAudioIsPublished(t *testing.T) {
	env := newTestSession(t)

	env.engine.agentTurn(9)

	env.transport.mu.Lock()
	defer env.transport.mu.Unlock()
	if len(env.transport.frames) != 1 || env.transport.frames[0][0] != 9 {
		t.Fatalf("expected agent audio to be published to the transport")
	}
}

func loudFrame() []byte {
	frame := make([]byte, 480)
	for i := 0; i < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(10000))
	}
	return frame
}

func TestBoundaryDetectorDrivesUserTurns(t *testing.T) {
	env := newTestSession(t,
		WithBoundaryDetector(func() BoundaryDetector { return NewEnergyDetector(audio.GetDefaultEncodingInfo()) }),
		WithTranscriber(speechtotext.TranscriberFunc(func(_ context.Context, request speechtotext.Request) (speechtotext.Result, error) {
			return speechtotext.Result{Text: fmt.Sprintf("%d bytes", request.Bytes())}, nil
		})),
	)

	// Provider boundaries are ignored while a detector is configured.
	env.engine.boundary(conversations.RoleUser, events.EdgeStart)

	for i := 0; i < 20; i++ {
		env.transport.receive(loudFrame())
	}
	for i := 0; i < 80; i++ {
		env.transport.receive(make([]byte, 480))
	}

	env.waitForStatus(t, 0, conversations.TurnTranscribed)
	history := env.history(t)
	if len(history) != 1 {
		t.Fatalf("expected one detected turn, got %d", len(history))
	}
	if history[0].Audio.Frames < 20 {
		t.Fatalf("expected the loud frames in the turn, got %d frames", history[0].Audio.Frames)
	}
}

func TestCancelledContextStopsSession(t *testing.T) {
	engine := &stubEngine{}
	c := NewCoordinator(WithRealtimeConnector(connectorFor(engine)))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := c.Start(ctx, "session-1", &stubTransport{})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	cancel()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session to stop")
	}
	if c.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions")
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if !engine.closed {
		t.Fatalf("expected engine to be closed")
	}
}

func TestCloseStopsSessionsConcurrently(t *testing.T) {
	engine := &stubEngine{}
	c := NewCoordinator(WithRealtimeConnector(connectorFor(engine)))

	handles := []*Handle{}
	for i := 0; i < 3; i++ {
		handle, err := c.Start(context.Background(), fmt.Sprintf("session-%d", i), &stubTransport{})
		if err != nil {
			t.Fatalf("failed to start session %d: %v", i, err)
		}
		handles = append(handles, handle)
	}

	c.Close()

	for _, handle := range handles {
		select {
		case <-handle.Done():
		default:
			t.Fatalf("expected session %s to be stopped", handle.ID())
		}
	}
}

// blockingConnector holds Connect until release is closed.
func blockingConnector(engine *stubEngine, entered, release chan struct{}) realtime.Connector {
	return realtime.ConnectorFunc(func(ctx context.Context, opts ...realtime.SessionOption) (realtime.Session, error) {
		close(entered)
		<-release
		return connectorFor(engine).Connect(ctx, opts...)
	})
}

type startResult struct {
	handle *Handle
	err    error
}

func startAsync(c *Coordinator, sessionID string) <-chan startResult {
	result := make(chan startResult, 1)
	go func() {
		handle, err := c.Start(context.Background(), sessionID, &stubTransport{})
		result <- startResult{handle: handle, err: err}
	}()
	return result
}

func waitClosed(t *testing.T, ch <-chan struct{}, description string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", description)
	}
}

func TestStopDuringConnectIsRejected(t *testing.T) {
	engine := &stubEngine{}
	entered, release := make(chan struct{}), make(chan struct{})
	c := NewCoordinator(WithRealtimeConnector(blockingConnector(engine, entered, release)))
	defer c.Close()

	result := startAsync(c, "session-1")
	waitClosed(t, entered, "connect to begin")

	if err := c.Stop("session-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound while connecting, got %v", err)
	}
	if err := c.SubmitAudio("session-1", frameOf(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected audio to be rejected while connecting, got %v", err)
	}
	if _, err := c.Start(context.Background(), "session-1", &stubTransport{}); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive while connecting, got %v", err)
	}

	close(release)
	var started startResult
	select {
	case started = <-result:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for start")
	}
	if started.err != nil {
		t.Fatalf("failed to start session: %v", started.err)
	}
	if c.ActiveSessions() != 1 {
		t.Fatalf("expected the session to be active once connected")
	}
	if err := started.handle.Stop(); err != nil {
		t.Fatalf("failed to stop session: %v", err)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if !engine.closed {
		t.Fatalf("expected engine to be closed")
	}
}

func TestCloseDuringConnectStopsTheSession(t *testing.T) {
	engine := &stubEngine{}
	entered, release := make(chan struct{}), make(chan struct{})
	c := NewCoordinator(WithRealtimeConnector(blockingConnector(engine, entered, release)))

	result := startAsync(c, "session-1")
	waitClosed(t, entered, "connect to begin")

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	waitClosed(t, closed, "close to return")
	close(release)

	var started startResult
	select {
	case started = <-result:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for start")
	}
	if !errors.Is(started.err, ErrCoordinatorClosed) {
		t.Fatalf("expected ErrCoordinatorClosed, got %v", started.err)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if !engine.closed {
		t.Fatalf("expected engine of the late session to be closed")
	}
}

func TestReusedSessionIDContinuesSequence(t *testing.T) {
	memory := store.NewMemory()
	c := NewCoordinator(
		WithRealtimeConnector(realtime.ConnectorFunc(func(ctx context.Context, opts ...realtime.SessionOption) (realtime.Session, error) {
			return connectorFor(&stubEngine{}).Connect(ctx, opts...)
		})),
		WithPersistenceSink(memory),
		WithTranscriber(taggedTranscriber(map[byte]string{1: "first visit", 2: "second visit"})),
	)
	defer c.Close()

	for visit := byte(1); visit <= 2; visit++ {
		transport := &stubTransport{}
		handle, err := c.Start(context.Background(), "room-1", transport)
		if err != nil {
			t.Fatalf("failed to start visit %d: %v", visit, err)
		}
		if err := handle.OnTurnBoundary(conversations.RoleUser, events.EdgeStart); err != nil {
			t.Fatalf("failed to open turn: %v", err)
		}
		transport.receive(frameOf(visit))
		if err := handle.OnTurnBoundary(conversations.RoleUser, events.EdgeEnd); err != nil {
			t.Fatalf("failed to close turn: %v", err)
		}
		waitForCondition(t, 2*time.Second, fmt.Sprintf("visit %d to be transcribed", visit), func() bool {
			history, err := handle.RecentHistory(0)
			return err == nil && len(history) == 1 && history[0].Status == conversations.TurnTranscribed
		})
		if err := handle.Stop(); err != nil {
			t.Fatalf("failed to stop visit %d: %v", visit, err)
		}
	}

	segments, err := memory.Transcript(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("failed to read transcript: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected a segment per visit, got %+v", segments)
	}
	for i, want := range []string{"first visit", "second visit"} {
		if segments[i].TurnSequence != uint64(i) || segments[i].Text != want {
			t.Fatalf("expected turn %d to be %q, got %+v", i, want, segments[i])
		}
	}
}

func TestDetectorEdgesKeepOrderWhenSignalsAreFull(t *testing.T) {
	gate := make(chan struct{})
	engine := &stubEngine{sendTextGate: gate}
	edges := alternatingEdges(6)
	env := newTestSessionWith(t, engine, &recordingSink{},
		WithBoundaryDetector(func() BoundaryDetector { return &scriptedDetector{edges: edges} }),
	)

	// Park the dispatch loop inside the engine, then fill its signal queue.
	if err := env.handle.SubmitTextInput("hold on"); err != nil {
		t.Fatalf("failed to submit text: %v", err)
	}
	waitForCondition(t, time.Second, "dispatch loop to block", func() bool {
		_, calls := engine.sentTexts()
		return calls == 1
	})
	for i := 0; i < signalQueueCapacity; i++ {
		if err := env.handle.OnFastPathText(conversations.RoleAgent, "filler", false); err != nil {
			t.Fatalf("failed to relay filler text: %v", err)
		}
	}
	for i := range edges {
		_ = env.handle.SubmitAudio(frameOf(byte(i + 1)))
	}
	close(gate)

	waitForCondition(t, 2*time.Second, "detected turns to close", func() bool {
		history := env.history(t)
		return len(history) == 4 && history[3].Status == conversations.TurnClosed
	})
	for _, turn := range env.history(t)[1:] {
		if turn.Role != conversations.RoleUser || turn.Status != conversations.TurnClosed {
			t.Fatalf("expected closed user turns, got %+v", turn)
		}
	}
	if dropped := env.diagnostics.withCode(events.DiagnosticBoundaryDropped); len(dropped) != 0 {
		t.Fatalf("expected no dropped edges, got %d", len(dropped))
	}
}

func TestDetectorEdgeOverflowIsReported(t *testing.T) {
	gate := make(chan struct{})
	engine := &stubEngine{sendTextGate: gate}
	edges := alternatingEdges(signalQueueCapacity + 4)
	env := newTestSessionWith(t, engine, &recordingSink{},
		WithBoundaryDetector(func() BoundaryDetector { return &scriptedDetector{edges: edges} }),
	)
	t.Cleanup(func() { close(gate) })

	if err := env.handle.SubmitTextInput("hold on"); err != nil {
		t.Fatalf("failed to submit text: %v", err)
	}
	waitForCondition(t, time.Second, "dispatch loop to block", func() bool {
		_, calls := engine.sentTexts()
		return calls == 1
	})

	for range edges {
		started := time.Now()
		_ = env.handle.SubmitAudio(frameOf(1))
		if elapsed := time.Since(started); elapsed > 50*time.Millisecond {
			t.Fatalf("expected submit to return immediately, took %v", elapsed)
		}
	}

	if dropped := env.diagnostics.withCode(events.DiagnosticBoundaryDropped); len(dropped) != 4 {
		t.Fatalf("expected 4 dropped edges, got %d", len(dropped))
	}
}

func TestLongTurnKeepsNewestAudio(t *testing.T) {
	// 30ms of audio is three 10ms frames.
	env := newTestSession(t, WithMaxTurnDuration(30*time.Millisecond))

	if err := env.handle.OnTurnBoundary(conversations.RoleUser, events.EdgeStart); err != nil {
		t.Fatalf("failed to open turn: %v", err)
	}
	for i := 0; i < 5; i++ {
		env.transport.receive(frameOf(byte(i)))
	}
	if err := env.handle.OnTurnBoundary(conversations.RoleUser, events.EdgeEnd); err != nil {
		t.Fatalf("failed to close turn: %v", err)
	}

	env.waitForStatus(t, 0, conversations.TurnClosed)
	if audio := env.history(t)[0].Audio; audio.Frames != 3 || audio.Duration != 30*time.Millisecond {
		t.Fatalf("expected the turn to keep 30ms of audio, got %+v", audio)
	}
	dropped := env.diagnostics.withCode(events.DiagnosticSlowPathFrameDropped)
	if len(dropped) != 2 {
		t.Fatalf("expected 2 drops, got %d", len(dropped))
	}
	for _, diagnostic := range dropped {
		if !diagnostic.HasTurn() || diagnostic.TurnSequence != 0 {
			t.Fatalf("expected drops to be tagged with turn 0, got %+v", diagnostic)
		}
	}
}

func TestLimiterWaitDoesNotCountAgainstAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	slow := speechtotext.TranscriberFunc(func(ctx context.Context, request speechtotext.Request) (speechtotext.Result, error) {
		calls.Add(1)
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return speechtotext.Result{}, ctx.Err()
		}
		return speechtotext.Result{Text: fmt.Sprintf("turn %d", request.Audio[0][0])}, nil
	})
	env := newTestSession(t,
		WithTranscriber(speechtotext.NewLimiter(slow, 1)),
		WithTranscriptionTimeout(250*time.Millisecond),
	)

	// The third turn waits twice as long as the call itself takes.
	for tag := byte(1); tag <= 3; tag++ {
		env.userTurn(t, tag)
	}
	for sequence := 0; sequence < 3; sequence++ {
		env.waitForStatus(t, sequence, conversations.TurnTranscribed)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected one call per turn, got %d", got)
	}
	if failed := env.diagnostics.withCode(events.DiagnosticTranscriptionFailed); len(failed) != 0 {
		t.Fatalf("expected no failed transcriptions, got %+v", failed)
	}
}

func TestHandleRejectsAudioAfterStop(t *testing.T) {
	env := newTestSession(t)

	if err := env.handle.SubmitAudio(frameOf(1)); err != nil {
		t.Fatalf("expected audio to be accepted, got %v", err)
	}
	if err := env.handle.Stop(); err != nil {
		t.Fatalf("failed to stop session: %v", err)
	}
	if err := env.handle.SubmitAudio(frameOf(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from the handle, got %v", err)
	}
	if err := env.coordinator.SubmitAudio("session-1", frameOf(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from the coordinator, got %v", err)
	}
}
