// Package config loads process configuration from the environment, an
// optional YAML file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DetectorProvider = "provider"
	DetectorEnergy   = "energy"
)

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	NatsURL     string `yaml:"nats_url"`
	LogLevel    string `yaml:"log_level"`

	OpenAIAPIKey         string        `yaml:"openai_api_key"`
	OpenAIModel          string        `yaml:"openai_model"`
	OpenAIURL            string        `yaml:"openai_url"`
	ReconnectAttempts    int           `yaml:"reconnect_attempts"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	FastPathBufferSize   int           `yaml:"fast_path_buffer_frames"`
	BoundaryDetector     string        `yaml:"boundary_detector"`
	DeepgramAPIKey       string        `yaml:"deepgram_api_key"`
	DeepgramModel        string        `yaml:"deepgram_model"`
	DeepgramLanguage     string        `yaml:"deepgram_language"`
	MaxTranscriptions    int           `yaml:"max_concurrent_transcriptions"`
	TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`

	GracePeriod      time.Duration `yaml:"grace_period"`
	StopOverhead     time.Duration `yaml:"stop_overhead"`
	SlowPathQueue    int           `yaml:"slow_path_queue_frames"`
	MaxPendingTurns  int           `yaml:"max_pending_turns"`
	MaxTurnDuration  time.Duration `yaml:"max_turn_duration"`
	ExpertEveryTurns int           `yaml:"expert_every_turns"`

	DiagnosticsStream string        `yaml:"diagnostics_stream"`
	DiagnosticsMaxAge time.Duration `yaml:"diagnostics_max_age"`
}

func Default() Config {
	return Config{
		Port:                 8080,
		LogLevel:             "info",
		OpenAIModel:          "gpt-4o-realtime-preview",
		ReconnectAttempts:    5,
		ReconnectBackoff:     250 * time.Millisecond,
		ConnectTimeout:       10 * time.Second,
		FastPathBufferSize:   64,
		BoundaryDetector:     DetectorProvider,
		DeepgramModel:        "nova-2",
		DeepgramLanguage:     "en",
		MaxTranscriptions:    8,
		TranscriptionTimeout: 15 * time.Second,
		GracePeriod:          5 * time.Second,
		StopOverhead:         2 * time.Second,
		SlowPathQueue:        500,
		MaxPendingTurns:      32,
		MaxTurnDuration:      2 * time.Minute,
		ExpertEveryTurns:     3,
		DiagnosticsStream:    "CLASSROOM_DIAGNOSTICS",
		DiagnosticsMaxAge:    7 * 24 * time.Hour,
	}
}

// Load reads .env if present, overlays the YAML file named by
// CLASSROOM_CONFIG and then applies environment variables, which win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CLASSROOM_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("CLASSROOM_PORT", cfg.Port)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)

	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envStr("OPENAI_REALTIME_MODEL", cfg.OpenAIModel)
	cfg.OpenAIURL = envStr("OPENAI_REALTIME_URL", cfg.OpenAIURL)
	cfg.ReconnectAttempts = envInt("RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)
	cfg.ReconnectBackoff = envDuration("RECONNECT_BACKOFF", cfg.ReconnectBackoff)
	cfg.ConnectTimeout = envDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.FastPathBufferSize = envInt("FAST_PATH_BUFFER_FRAMES", cfg.FastPathBufferSize)
	cfg.BoundaryDetector = envStr("BOUNDARY_DETECTOR", cfg.BoundaryDetector)

	cfg.DeepgramAPIKey = envStr("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)
	cfg.DeepgramModel = envStr("DEEPGRAM_MODEL", cfg.DeepgramModel)
	cfg.DeepgramLanguage = envStr("DEEPGRAM_LANGUAGE", cfg.DeepgramLanguage)
	cfg.MaxTranscriptions = envInt("MAX_CONCURRENT_TRANSCRIPTIONS", cfg.MaxTranscriptions)
	cfg.TranscriptionTimeout = envDuration("TRANSCRIPTION_TIMEOUT", cfg.TranscriptionTimeout)

	cfg.GracePeriod = envDuration("STOP_GRACE_PERIOD", cfg.GracePeriod)
	cfg.StopOverhead = envDuration("STOP_OVERHEAD", cfg.StopOverhead)
	cfg.SlowPathQueue = envInt("SLOW_PATH_QUEUE_FRAMES", cfg.SlowPathQueue)
	cfg.MaxPendingTurns = envInt("MAX_PENDING_TURNS", cfg.MaxPendingTurns)
	cfg.MaxTurnDuration = envDuration("MAX_TURN_DURATION", cfg.MaxTurnDuration)
	cfg.ExpertEveryTurns = envInt("EXPERT_EVERY_TURNS", cfg.ExpertEveryTurns)

	cfg.DiagnosticsStream = envStr("DIAGNOSTICS_STREAM", cfg.DiagnosticsStream)
	cfg.DiagnosticsMaxAge = envDuration("DIAGNOSTICS_MAX_AGE", cfg.DiagnosticsMaxAge)
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.BoundaryDetector {
	case DetectorProvider, DetectorEnergy:
	default:
		return fmt.Errorf("unknown boundary detector %q", c.BoundaryDetector)
	}
	if c.MaxTranscriptions <= 0 {
		return fmt.Errorf("max concurrent transcriptions must be positive, got %d", c.MaxTranscriptions)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("250ms") or plain milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
