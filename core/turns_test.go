package orchestration

import (
	"testing"
	"time"

	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/conversations"
)

func TestTurnTrackerAssignsSequenceAtStart(t *testing.T) {
	tracker := newTurnTracker(audio.GetDefaultEncodingInfo(), 0, 0)
	now := time.Now()

	user, _ := tracker.start(conversations.RoleUser, now, "student")
	agent, _ := tracker.start(conversations.RoleAgent, now, "student")
	text := tracker.textTurn(now, "student")

	// Closing in reverse order keeps the detection order.
	tracker.end(conversations.RoleAgent, now)
	tracker.end(conversations.RoleUser, now)

	if user.Sequence != 0 || agent.Sequence != 1 || text.Sequence != 2 {
		t.Fatalf("expected sequences 0, 1, 2, got %d, %d, %d", user.Sequence, agent.Sequence, text.Sequence)
	}
	for i, turn := range tracker.history {
		if turn.Sequence != uint64(i) {
			t.Fatalf("expected history index %d to hold sequence %d", i, turn.Sequence)
		}
	}
	if text.Source != conversations.SourceTextInput || text.Status != conversations.TurnClosed {
		t.Fatalf("expected a closed text turn, got %+v", text)
	}
}

func TestTurnTrackerIgnoresDuplicateEdges(t *testing.T) {
	tracker := newTurnTracker(audio.GetDefaultEncodingInfo(), 0, 0)
	now := time.Now()

	if _, _, ok := tracker.end(conversations.RoleUser, now); ok {
		t.Fatalf("expected end without an open turn to be ignored")
	}
	if _, ok := tracker.start(conversations.RoleUser, now, ""); !ok {
		t.Fatalf("expected first start to open a turn")
	}
	if _, ok := tracker.start(conversations.RoleUser, now, ""); ok {
		t.Fatalf("expected duplicate start to be ignored")
	}
	if _, _, ok := tracker.end(conversations.RoleUser, now); !ok {
		t.Fatalf("expected end to close the turn")
	}
	if len(tracker.history) != 1 {
		t.Fatalf("expected a single turn, got %d", len(tracker.history))
	}
}

func TestTurnTrackerAttachesPreRoll(t *testing.T) {
	encoding := audio.GetDefaultEncodingInfo()
	tracker := newTurnTracker(encoding, 20*time.Millisecond, 0)
	now := time.Now()

	for i := 0; i < 5; i++ {
		tracker.addFrame(conversations.RoleUser, make([]byte, 480))
	}
	tracker.start(conversations.RoleUser, now, "")
	tracker.addFrame(conversations.RoleUser, make([]byte, 480))
	turn, frames, _ := tracker.end(conversations.RoleUser, now.Add(time.Second))

	// 20ms of pre-roll is two 10ms frames.
	if len(frames) != 3 {
		t.Fatalf("expected pre-roll plus one frame, got %d frames", len(frames))
	}
	if turn.Audio.Duration != 30*time.Millisecond {
		t.Fatalf("expected 30ms of audio, got %v", turn.Audio.Duration)
	}
	if turn.Status != conversations.TurnClosed || !turn.EndedAt.After(turn.StartedAt) {
		t.Fatalf("expected a closed turn with its end time, got %+v", turn)
	}
}

func TestTurnTrackerFinalized(t *testing.T) {
	tracker := newTurnTracker(audio.GetDefaultEncodingInfo(), 0, 0)
	now := time.Now()
	tracker.textTurn(now, "")
	tracker.textTurn(now, "")

	text := "hello"
	turn, _ := tracker.turn(1)
	turn.FinalizedText = &text

	finalized := tracker.finalized()
	if len(finalized) != 1 || finalized[0].Sequence != 1 {
		t.Fatalf("expected only the finalized turn, got %+v", finalized)
	}
}

func TestTurnTrackerCapsOpenTurnAudio(t *testing.T) {
	// 30ms of audio is three 10ms frames.
	tracker := newTurnTracker(audio.GetDefaultEncodingInfo(), 0, 30*time.Millisecond)
	now := time.Now()

	tracker.start(conversations.RoleUser, now, "")
	dropped := 0
	for i := 0; i < 5; i++ {
		frame := make([]byte, 480)
		frame[0] = byte(i)
		sequence, n := tracker.addFrame(conversations.RoleUser, frame)
		if n > 0 && sequence != 0 {
			t.Fatalf("expected drops to be tagged with turn 0, got %d", sequence)
		}
		dropped += n
	}
	turn, frames, _ := tracker.end(conversations.RoleUser, now.Add(time.Second))

	if dropped != 2*480 {
		t.Fatalf("expected two frames dropped, got %d bytes", dropped)
	}
	if len(frames) != 3 || frames[0][0] != 2 || frames[2][0] != 4 {
		t.Fatalf("expected the three newest frames to remain, got %d frames", len(frames))
	}
	if turn.Audio.Duration != 30*time.Millisecond {
		t.Fatalf("expected 30ms of audio, got %v", turn.Audio.Duration)
	}
}

func TestTurnTrackerResumesNumbering(t *testing.T) {
	tracker := newTurnTracker(audio.GetDefaultEncodingInfo(), 0, 0)
	tracker.resume(7)
	now := time.Now()

	user, _ := tracker.start(conversations.RoleUser, now, "")
	text := tracker.textTurn(now, "")
	closed, _, ok := tracker.end(conversations.RoleUser, now)

	if user.Sequence != 7 || text.Sequence != 8 {
		t.Fatalf("expected sequences 7 and 8, got %d and %d", user.Sequence, text.Sequence)
	}
	if !ok || closed.Sequence != 7 {
		t.Fatalf("expected turn 7 to close, got %+v", closed)
	}
	if turn, ok := tracker.turn(8); !ok || turn.ID != text.ID {
		t.Fatalf("expected turn 8 to be the text turn")
	}
	if _, ok := tracker.turn(0); ok {
		t.Fatalf("expected no turn below the resumed sequence")
	}

	tracker.resume(100)
	if next := tracker.allocate(); next != 9 {
		t.Fatalf("expected resume after the first turn to be ignored, got %d", next)
	}
}
