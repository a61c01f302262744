package orchestration

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/events"
)

// BoundaryDetector detects user utterance edges from inbound audio. When one
// is configured, provider-native user boundaries are ignored. Detectors are
// called from a single goroutine per session.
type BoundaryDetector interface {
	// Detect reports at most one edge per frame.
	Detect(frame []byte) (events.Edge, bool)
	Reset()
}

const (
	DefaultEnergyThreshold = 0.02
	DefaultEnergyAttack    = 60 * time.Millisecond
	DefaultEnergyHangover  = 700 * time.Millisecond
)

// EnergyDetector is an RMS threshold detector over linear16 audio. Speech
// starts after Attack of loud audio and ends after Hangover of quiet audio.
type EnergyDetector struct {
	Threshold float64
	Attack    time.Duration
	Hangover  time.Duration

	encoding audio.EncodingInfo
	speaking bool
	loud     time.Duration
	quiet    time.Duration
}

func NewEnergyDetector(encoding audio.EncodingInfo) *EnergyDetector {
	if encoding.IsZero() {
		encoding = audio.GetDefaultEncodingInfo()
	}
	return &EnergyDetector{
		Threshold: DefaultEnergyThreshold,
		Attack:    DefaultEnergyAttack,
		Hangover:  DefaultEnergyHangover,
		encoding:  encoding,
	}
}

func (d *EnergyDetector) Detect(frame []byte) (events.Edge, bool) {
	duration := d.encoding.Duration(len(frame))
	if duration == 0 {
		return "", false
	}

	if rms(frame) >= d.Threshold {
		d.quiet = 0
		d.loud += duration
		if !d.speaking && d.loud >= d.Attack {
			d.speaking = true
			return events.EdgeStart, true
		}
		return "", false
	}

	d.loud = 0
	if !d.speaking {
		return "", false
	}
	d.quiet += duration
	if d.quiet >= d.Hangover {
		d.speaking = false
		d.quiet = 0
		return events.EdgeEnd, true
	}
	return "", false
}

func (d *EnergyDetector) Reset() {
	d.speaking = false
	d.loud = 0
	d.quiet = 0
}

// rms returns the normalized energy of little-endian 16-bit samples.
func rms(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < samples; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / math.MaxInt16
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(samples))
}
