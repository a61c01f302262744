package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/audio"
	"github.com/koscakluka/ema-classroom/core/events"
	"github.com/koscakluka/ema-classroom/core/realtime/openai"
	"github.com/koscakluka/ema-classroom/core/scene"
	"github.com/koscakluka/ema-classroom/core/speechtotext"
	"github.com/koscakluka/ema-classroom/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-classroom/internal/config"
	"github.com/koscakluka/ema-classroom/internal/logging"
)

// loadConfig reads configuration and installs the process logger.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, logging.Setup(cfg.LogLevel), nil
}

type pipelineDeps struct {
	sink         orchestration.PersistenceSink
	onDiagnostic func(events.Diagnostic)
	log          *slog.Logger
}

// coordinatorOptions wires the engines and tuning from cfg. The returned
// limiter is nil when no transcription engine is configured.
func coordinatorOptions(cfg config.Config, deps pipelineDeps) ([]orchestration.CoordinatorOption, *speechtotext.Limiter) {
	clientOpts := []openai.ClientOption{
		openai.WithModel(cfg.OpenAIModel),
		openai.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectBackoff),
		openai.WithBufferFrames(cfg.FastPathBufferSize),
		openai.WithDialTimeout(cfg.ConnectTimeout),
	}
	if cfg.OpenAIAPIKey != "" {
		clientOpts = append(clientOpts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if cfg.OpenAIURL != "" {
		clientOpts = append(clientOpts, openai.WithURL(cfg.OpenAIURL))
	}

	opts := []orchestration.CoordinatorOption{
		orchestration.WithRealtimeConnector(openai.NewClient(clientOpts...)),
		orchestration.WithPersistenceSink(deps.sink),
		orchestration.WithDiagnosticHandler(deps.onDiagnostic),
		orchestration.WithLogger(deps.log),
		orchestration.WithSceneOptions(scene.WithPolicy(
			scene.NewTriggerPhrasePolicy(scene.NewTurnCountPolicy(cfg.ExpertEveryTurns)),
		)),
		orchestration.WithConnectTimeout(cfg.ConnectTimeout),
		orchestration.WithGracePeriod(cfg.GracePeriod),
		orchestration.WithStopOverhead(cfg.StopOverhead),
		orchestration.WithTranscriptionTimeout(cfg.TranscriptionTimeout),
		orchestration.WithSlowPathQueueSize(cfg.SlowPathQueue),
		orchestration.WithFastPathQueueSize(cfg.FastPathBufferSize),
		orchestration.WithMaxPendingTranscriptions(cfg.MaxPendingTurns),
		orchestration.WithMaxTurnDuration(cfg.MaxTurnDuration),
	}

	if cfg.BoundaryDetector == config.DetectorEnergy {
		opts = append(opts, orchestration.WithBoundaryDetector(func() orchestration.BoundaryDetector {
			return orchestration.NewEnergyDetector(audio.GetDefaultEncodingInfo())
		}))
	}

	var limiter *speechtotext.Limiter
	if cfg.DeepgramAPIKey != "" {
		transcriber := deepgram.NewTranscriptionClient(
			deepgram.WithAPIKey(cfg.DeepgramAPIKey),
			deepgram.WithModel(cfg.DeepgramModel),
			deepgram.WithLanguage(cfg.DeepgramLanguage),
		)
		limiter = speechtotext.NewLimiter(transcriber, cfg.MaxTranscriptions)
		opts = append(opts, orchestration.WithTranscriber(limiter))
	} else {
		deps.log.Warn("no transcription engine configured, turns wait for external transcripts")
	}

	return opts, limiter
}

// fanOut calls every handler in order.
func fanOut(handlers ...func(events.Diagnostic)) func(events.Diagnostic) {
	return func(d events.Diagnostic) {
		for _, handle := range handlers {
			handle(d)
		}
	}
}
