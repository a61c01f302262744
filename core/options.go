package orchestration

import (
	"log/slog"
	"time"

	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime"
	"github.com/koscakluka/ema-classroom/core/scene"
	"github.com/koscakluka/ema-classroom/core/speechtotext"
)

const (
	DefaultConnectTimeout         = 10 * time.Second
	DefaultGracePeriod            = 5 * time.Second
	DefaultStopOverhead           = 2 * time.Second
	DefaultTranscriptionTimeout   = 15 * time.Second
	DefaultTranscriptionRetryBase = 200 * time.Millisecond
	DefaultSlowPathQueueSize      = 500
	DefaultFastPathQueueSize      = 64
	DefaultMaxPendingTasks        = 32
	DefaultPreRoll                = 300 * time.Millisecond
	DefaultMaxTurnDuration        = 2 * time.Minute
)

type CoordinatorOption func(*Coordinator)

type coordinatorConfig struct {
	connector   realtime.Connector
	transcriber speechtotext.Transcriber
	sink        PersistenceSink

	machineOptions []scene.MachineOption
	newDetector    func() BoundaryDetector
	onDiagnostic   func(events.Diagnostic)
	logger         *slog.Logger
	encodingInfo   *audio.EncodingInfo

	connectTimeout         time.Duration
	gracePeriod            time.Duration
	stopOverhead           time.Duration
	transcriptionTimeout   time.Duration
	transcriptionRetryBase time.Duration

	slowPathQueueSize int
	fastPathQueueSize int
	maxPendingTasks   int
	preRoll           time.Duration
	maxTurnDuration   time.Duration
}

func defaultCoordinatorConfig() coordinatorConfig {
	return coordinatorConfig{
		logger:                 logger,
		connectTimeout:         DefaultConnectTimeout,
		gracePeriod:            DefaultGracePeriod,
		stopOverhead:           DefaultStopOverhead,
		transcriptionTimeout:   DefaultTranscriptionTimeout,
		transcriptionRetryBase: DefaultTranscriptionRetryBase,
		slowPathQueueSize:      DefaultSlowPathQueueSize,
		fastPathQueueSize:      DefaultFastPathQueueSize,
		maxPendingTasks:        DefaultMaxPendingTasks,
		preRoll:                DefaultPreRoll,
		maxTurnDuration:        DefaultMaxTurnDuration,
	}
}

// WithRealtimeConnector sets the engine used by the fast path. Without one
// every Start fails with ErrEngineUnavailable.
func WithRealtimeConnector(connector realtime.Connector) CoordinatorOption {
	return func(c *Coordinator) { c.config.connector = connector }
}

// WithTranscriber sets the slow path transcription engine. Wrap it in a
// [speechtotext.Limiter] to share a concurrency ceiling across sessions.
func WithTranscriber(transcriber speechtotext.Transcriber) CoordinatorOption {
	return func(c *Coordinator) { c.config.transcriber = transcriber }
}

func WithPersistenceSink(sink PersistenceSink) CoordinatorOption {
	return func(c *Coordinator) { c.config.sink = sink }
}

// WithSceneOptions configures the persona machine created for each session.
func WithSceneOptions(opts ...scene.MachineOption) CoordinatorOption {
	return func(c *Coordinator) { c.config.machineOptions = append(c.config.machineOptions, opts...) }
}

// WithBoundaryDetector replaces provider-native user turn detection. The
// factory is called once per session.
func WithBoundaryDetector(newDetector func() BoundaryDetector) CoordinatorOption {
	return func(c *Coordinator) { c.config.newDetector = newDetector }
}

// WithDiagnosticHandler receives every diagnostic of every session. The
// handler runs inline and must not block.
func WithDiagnosticHandler(handler func(events.Diagnostic)) CoordinatorOption {
	return func(c *Coordinator) { c.config.onDiagnostic = handler }
}

func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.config.logger = l
		}
	}
}

// WithEncodingInfo overrides the audio format of every session.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) CoordinatorOption {
	return func(c *Coordinator) { c.config.encodingInfo = &encodingInfo }
}

func WithConnectTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.connectTimeout = timeout }
}

// WithGracePeriod bounds how long Stop waits for in-flight transcriptions.
func WithGracePeriod(grace time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.gracePeriod = grace }
}

// WithStopOverhead bounds the time Stop spends on teardown beyond the grace
// period.
func WithStopOverhead(overhead time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.stopOverhead = overhead }
}

// WithTranscriptionTimeout bounds a single transcription attempt.
func WithTranscriptionTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.transcriptionTimeout = timeout }
}

func WithTranscriptionRetryBase(base time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.transcriptionRetryBase = base }
}

func WithSlowPathQueueSize(frames int) CoordinatorOption {
	return func(c *Coordinator) { c.config.slowPathQueueSize = frames }
}

func WithFastPathQueueSize(frames int) CoordinatorOption {
	return func(c *Coordinator) { c.config.fastPathQueueSize = frames }
}

// WithMaxPendingTranscriptions sizes the per-session task arena.
func WithMaxPendingTranscriptions(tasks int) CoordinatorOption {
	return func(c *Coordinator) { c.config.maxPendingTasks = tasks }
}

// WithPreRoll sets how much audio preceding a detected start is attached to
// the turn.
func WithPreRoll(preRoll time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.preRoll = preRoll }
}

// WithMaxTurnDuration caps the audio kept for one open turn. Past the cap the
// oldest audio of the turn is dropped.
func WithMaxTurnDuration(maxDuration time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.maxTurnDuration = maxDuration }
}

func (cfg *coordinatorConfig) normalize() {
	if cfg.connectTimeout <= 0 {
		cfg.connectTimeout = DefaultConnectTimeout
	}
	if cfg.gracePeriod < 0 {
		cfg.gracePeriod = 0
	}
	if cfg.stopOverhead <= 0 {
		cfg.stopOverhead = DefaultStopOverhead
	}
	if cfg.transcriptionTimeout <= 0 {
		cfg.transcriptionTimeout = DefaultTranscriptionTimeout
	}
	if cfg.transcriptionRetryBase <= 0 {
		cfg.transcriptionRetryBase = DefaultTranscriptionRetryBase
	}
	if cfg.slowPathQueueSize <= 0 {
		cfg.slowPathQueueSize = DefaultSlowPathQueueSize
	}
	if cfg.fastPathQueueSize <= 0 {
		cfg.fastPathQueueSize = DefaultFastPathQueueSize
	}
	if cfg.maxPendingTasks <= 0 {
		cfg.maxPendingTasks = DefaultMaxPendingTasks
	}
	if cfg.preRoll < 0 {
		cfg.preRoll = 0
	}
	if cfg.maxTurnDuration <= 0 {
		cfg.maxTurnDuration = DefaultMaxTurnDuration
	}
}
