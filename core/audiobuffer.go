package orchestration

import (
	"sync"
	"time"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

type queuedFrame struct {
	role       conversations.Role
	audio      []byte
	receivedAt time.Time
}

// frameQueue is the bounded hand-off between audio producers and the
// dispatch loop. When full the oldest unprocessed frame is discarded.
type frameQueue struct {
	mu       sync.Mutex
	frames   []queuedFrame
	capacity int

	updateSignal chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{
		frames:       make([]queuedFrame, 0, capacity),
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
	}
}

// push never blocks. It returns the discarded frame when the queue was full.
func (q *frameQueue) push(frame queuedFrame) (dropped queuedFrame, overflow bool) {
	q.mu.Lock()
	if len(q.frames) >= q.capacity {
		dropped = q.frames[0]
		q.frames[0] = queuedFrame{}
		q.frames = q.frames[1:]
		overflow = true
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	q.signalUpdate()
	return dropped, overflow
}

// popUntil removes frames received at or before cutoff, all frames when
// cutoff is zero.
func (q *frameQueue) popUntil(cutoff time.Time) []queuedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	if !cutoff.IsZero() {
		n = 0
		for n < len(q.frames) && !q.frames[n].receivedAt.After(cutoff) {
			n++
		}
	}
	if n == 0 {
		return nil
	}

	popped := make([]queuedFrame, n)
	copy(popped, q.frames[:n])
	remaining := make([]queuedFrame, len(q.frames)-n, q.capacity)
	copy(remaining, q.frames[n:])
	q.frames = remaining
	return popped
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}

// preRoll keeps the most recent audio of a role that arrived while no turn
// was open, so detected starts do not clip the first syllable.
type preRoll struct {
	frames   [][]byte
	bytes    int
	maxBytes int
}

func (p *preRoll) add(frame []byte) {
	if p.maxBytes <= 0 {
		return
	}
	p.frames = append(p.frames, frame)
	p.bytes += len(frame)
	for len(p.frames) > 1 && p.bytes-len(p.frames[0]) >= p.maxBytes {
		p.bytes -= len(p.frames[0])
		p.frames[0] = nil
		p.frames = p.frames[1:]
	}
}

// take returns the buffered frames and empties the ring.
func (p *preRoll) take() [][]byte {
	frames := p.frames
	p.frames = nil
	p.bytes = 0
	return frames
}
