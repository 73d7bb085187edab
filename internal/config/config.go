package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the talking-head service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel    string
	LogFormat   string
	TraceStdout bool

	SegmentQueueSize int
	MinSegmentChars  int
	StageTimeout     time.Duration
	DriftWindow      int
	DriftBudgetMs    float64
	HistoryLimit     int

	TextProvider   string
	TTSProvider    string
	AvatarProvider string
	AvatarFPS      int

	// AvatarPace spaces stub frames one frame duration apart.
	AvatarPace bool

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAITextModel   string
	OpenAITTSModel    string
	OpenAIMaxAttempts int

	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string

	PersonasFile string
	DatabaseURL  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "tth"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "json"),
		TextProvider:     strings.ToLower(envOrDefault("TEXT_PROVIDER", "mock")),
		TTSProvider:      strings.ToLower(envOrDefault("TTS_PROVIDER", "mock")),
		AvatarProvider:   strings.ToLower(envOrDefault("AVATAR_PROVIDER", "stub")),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITextModel:  envOrDefault("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
		// tts-1 streams mp3 with the lowest time to first byte.
		OpenAITTSModel:           envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAIRealtimeURL:        envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel:      envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		PersonasFile:             stringsTrimSpace("PERSONAS_FILE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		FirstAudioSLO:            900 * time.Millisecond,
		SegmentQueueSize:         2,
		MinSegmentChars:          8,
		StageTimeout:             20 * time.Second,
		DriftWindow:              300,
		DriftBudgetMs:            80,
		HistoryLimit:             8,
		AvatarFPS:                25,
		AvatarPace:               true,
		OpenAIMaxAttempts:        3,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TraceStdout, err = boolFromEnv("APP_TRACE_STDOUT", cfg.TraceStdout)
	if err != nil {
		return Config{}, err
	}

	cfg.SegmentQueueSize, err = intFromEnv("TURN_SEGMENT_QUEUE_SIZE", cfg.SegmentQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MinSegmentChars, err = intFromEnv("TURN_MIN_SEGMENT_CHARS", cfg.MinSegmentChars)
	if err != nil {
		return Config{}, err
	}
	cfg.StageTimeout, err = durationFromEnv("TURN_STAGE_TIMEOUT", cfg.StageTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftWindow, err = intFromEnv("TURN_DRIFT_WINDOW", cfg.DriftWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftBudgetMs, err = floatFromEnv("TURN_DRIFT_BUDGET_MS", cfg.DriftBudgetMs)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("TURN_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AvatarFPS, err = intFromEnv("AVATAR_FPS", cfg.AvatarFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.AvatarPace, err = boolFromEnv("AVATAR_PACE", cfg.AvatarPace)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxAttempts, err = intFromEnv("OPENAI_MAX_ATTEMPTS", cfg.OpenAIMaxAttempts)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SegmentQueueSize < 1 {
		return Config{}, fmt.Errorf("TURN_SEGMENT_QUEUE_SIZE must be positive")
	}
	if cfg.MinSegmentChars < 1 {
		return Config{}, fmt.Errorf("TURN_MIN_SEGMENT_CHARS must be positive")
	}
	if cfg.StageTimeout <= 0 {
		return Config{}, fmt.Errorf("TURN_STAGE_TIMEOUT must be positive")
	}
	if cfg.DriftWindow < 1 {
		return Config{}, fmt.Errorf("TURN_DRIFT_WINDOW must be positive")
	}
	if cfg.DriftBudgetMs <= 0 {
		return Config{}, fmt.Errorf("TURN_DRIFT_BUDGET_MS must be positive")
	}
	if cfg.HistoryLimit < 0 {
		return Config{}, fmt.Errorf("TURN_HISTORY_LIMIT must be >= 0")
	}
	if cfg.AvatarFPS <= 0 || cfg.AvatarFPS > 60 {
		return Config{}, fmt.Errorf("AVATAR_FPS must be between 1 and 60")
	}
	if cfg.OpenAIMaxAttempts < 1 {
		return Config{}, fmt.Errorf("OPENAI_MAX_ATTEMPTS must be positive")
	}
	switch cfg.TextProvider {
	case "mock", "openai", "openai_realtime":
	default:
		return Config{}, fmt.Errorf("TEXT_PROVIDER must be mock, openai or openai_realtime, got %q", cfg.TextProvider)
	}
	switch cfg.TTSProvider {
	case "mock", "openai", "openai_realtime":
	default:
		return Config{}, fmt.Errorf("TTS_PROVIDER must be mock, openai or openai_realtime, got %q", cfg.TTSProvider)
	}
	if cfg.AvatarProvider != "stub" {
		return Config{}, fmt.Errorf("AVATAR_PROVIDER must be stub, got %q", cfg.AvatarProvider)
	}
	if (cfg.TextProvider != "mock" || cfg.TTSProvider != "mock") && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required for the openai providers")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
