package audio

import (
	"testing"
	"time"
)

func TestDefaultEncodingInfoDuration(t *testing.T) {
	info := GetDefaultEncodingInfo()

	// 24kHz * 2 bytes = 48000 bytes per second
	if got := info.Duration(48000); got != time.Second {
		t.Fatalf("expected one second, got %v", got)
	}
	if got := info.Duration(4800); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", got)
	}
}

func TestBytesForAlignsToSamples(t *testing.T) {
	info := GetDefaultEncodingInfo()

	if got := info.BytesFor(20 * time.Millisecond); got != 960 {
		t.Fatalf("expected 960 bytes for 20ms, got %d", got)
	}
	if got := info.BytesFor(time.Duration(1)); got%2 != 0 {
		t.Fatalf("expected sample aligned byte count, got %d", got)
	}
}

func TestUnknownFormatHasNoRate(t *testing.T) {
	info := EncodingInfo{SampleRate: 16000, Format: encodingFormat("opus")}

	if info.BytesPerSecond() != 0 {
		t.Fatalf("expected zero byte rate for unknown format")
	}
	if info.Duration(100) != 0 {
		t.Fatalf("expected zero duration for unknown format")
	}
}
