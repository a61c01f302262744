package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-classroom/core/audio"
)

type playbackClient struct {
	device *malgo.Device
	mu     sync.Mutex

	pending []byte
	audioMu sync.Mutex
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * audio.DefaultChannels

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = audio.DefaultSampleRate
	config.Playback.Format = format
	config.Playback.Channels = audio.DefaultChannels
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = audio.DefaultSampleRate / 10 // ~100ms of audio
	config.Periods = 4

	var err error
	if c.device, err = malgo.InitDevice(
		audioContext.Context,
		config,
		malgo.DeviceCallbacks{Data: c.processAudio(bytesPerFrame)},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("playback device not initialized")
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	return nil
}

func (c *playbackClient) SendAudio(frame []byte) error {
	c.mu.Lock()
	started := c.device != nil && c.device.IsStarted()
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("playback device not started")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = append(c.pending, frame...)
	return nil
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}

	c.audioMu.Lock()
	c.pending = nil
	c.audioMu.Unlock()
	return nil
}

func (c *playbackClient) processAudio(bytesPerFrame int) malgo.DataProc {
	silence := audio.GetDefaultEncodingInfo().SilenceValue()
	return func(output, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame

		c.audioMu.Lock()
		defer c.audioMu.Unlock()
		n := copy(output[:need], c.pending)
		c.pending = c.pending[n:]
		// Silence the rest of the period on underrun.
		for i := n; i < need; i++ {
			output[i] = silence
		}
	}
}
