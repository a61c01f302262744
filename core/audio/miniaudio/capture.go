package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-classroom/core/audio"
)

type captureClient struct {
	device *malgo.Device

	mu      sync.Mutex
	onAudio func(frame []byte)
}

func (c *captureClient) Init(audioContext *malgo.AllocatedContext) error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * audio.DefaultChannels

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = audio.DefaultSampleRate
	config.Capture.Format = format
	config.Capture.Channels = audio.DefaultChannels
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	// 20ms periods at 24kHz
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(input) < n || n == 0 {
				return
			}
			c.mu.Lock()
			onAudio := c.onAudio
			c.mu.Unlock()
			if onAudio == nil {
				return
			}
			// malgo reuses its buffer between callbacks.
			frame := make([]byte, n)
			copy(frame, input[:n])
			onAudio(frame)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
	return nil
}

func (c *captureClient) Start(onAudio func(frame []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("capture device not initialized")
	}

	c.onAudio = onAudio
	if c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *captureClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.onAudio = nil
	return nil
}
