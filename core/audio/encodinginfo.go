package audio

import "time"

const (
	// DefaultSampleRate matches the pcm16 format of realtime speech engines.
	DefaultSampleRate = 24000
	DefaultFormat     = "linear16"
	DefaultChannels   = 1
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// BytesPerSecond returns the mono byte rate, or 0 for unknown formats.
func (e EncodingInfo) BytesPerSecond() int {
	size := e.Format.ByteSize()
	if size <= 0 || e.SampleRate <= 0 {
		return 0
	}
	return e.SampleRate * size * DefaultChannels
}

// Duration converts a byte count into playback time.
func (e EncodingInfo) Duration(bytes int) time.Duration {
	rate := e.BytesPerSecond()
	if rate == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(rate)
}

// BytesFor converts playback time into a byte count aligned to whole samples.
func (e EncodingInfo) BytesFor(d time.Duration) int {
	rate := e.BytesPerSecond()
	if rate == 0 {
		return 0
	}
	n := int(int64(rate) * int64(d) / int64(time.Second))
	if size := e.Format.ByteSize(); size > 1 {
		n -= n % size
	}
	return n
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
