// Package config loads runtime settings for the gateway from environment
// variables, validating eagerly and returning descriptive errors rather
// than panicking deep in a constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice conversation gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	SessionCreateTimeout time.Duration

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration

	GuestTTL time.Duration

	ASRDeadline     time.Duration
	RAGDeadline     time.Duration
	LLMDeadline     time.Duration
	TTSDeadline     time.Duration
	LipsyncDeadline time.Duration

	RAGHistoryTurns int
	RAGTopK         int
	RAGSimilarity   float64

	InterruptionGraceMS int

	JWTSecret string

	ArchiveDSN string

	MinSuccessRate      float64
	MaxAvgConnectionMs  float64
	MaxTimeoutRate      float64
	MinSamplesForAlerts int

	ASREndpoint     string
	RAGEndpoint     string
	LLMEndpoint     string
	TTSEndpoint     string
	LipsyncEndpoint string
}

// Load reads environment variables and applies the documented defaults,
// falling back to them whenever a variable is unset.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		AllowAnyOrigin:   false,

		SessionTTL:           30 * time.Minute,
		SessionSweepInterval: 5 * time.Minute,
		SessionCreateTimeout: 2 * time.Second,

		HeartbeatInterval: 25 * time.Second,
		ConnectionTimeout: 60 * time.Second,

		GuestTTL: time.Hour,

		ASRDeadline:     30 * time.Second,
		RAGDeadline:     10 * time.Second,
		LLMDeadline:     60 * time.Second,
		TTSDeadline:     30 * time.Second,
		LipsyncDeadline: 30 * time.Second,

		RAGHistoryTurns: 5,
		RAGTopK:         5,
		RAGSimilarity:   0.75,

		InterruptionGraceMS: 200,

		JWTSecret:  stringsTrimSpace("APP_JWT_SECRET"),
		ArchiveDSN: stringsTrimSpace("APP_ARCHIVE_DSN"),

		MinSuccessRate:      0.95,
		MaxAvgConnectionMs:  3000,
		MaxTimeoutRate:      0.05,
		MinSamplesForAlerts: 10,

		ASREndpoint:     stringsTrimSpace("APP_ASR_ENDPOINT"),
		RAGEndpoint:     stringsTrimSpace("APP_RAG_ENDPOINT"),
		LLMEndpoint:     stringsTrimSpace("APP_LLM_ENDPOINT"),
		TTSEndpoint:     stringsTrimSpace("APP_TTS_ENDPOINT"),
		LipsyncEndpoint: stringsTrimSpace("APP_LIPSYNC_ENDPOINT"),

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreateTimeout, err = durationFromEnv("APP_SESSION_CREATE_TIMEOUT", cfg.SessionCreateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTimeout, err = durationFromEnv("APP_CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GuestTTL, err = durationFromEnv("APP_GUEST_TTL", cfg.GuestTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRDeadline, err = durationFromEnv("APP_ASR_DEADLINE", cfg.ASRDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGDeadline, err = durationFromEnv("APP_RAG_DEADLINE", cfg.RAGDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMDeadline, err = durationFromEnv("APP_LLM_DEADLINE", cfg.LLMDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSDeadline, err = durationFromEnv("APP_TTS_DEADLINE", cfg.TTSDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.LipsyncDeadline, err = durationFromEnv("APP_LIPSYNC_DEADLINE", cfg.LipsyncDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGHistoryTurns, err = intFromEnv("APP_RAG_HISTORY_TURNS", cfg.RAGHistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGTopK, err = intFromEnv("APP_RAG_TOPK", cfg.RAGTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 5s")
	}
	if cfg.SessionCreateTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_CREATE_TIMEOUT must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.ConnectionTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("APP_CONNECTION_TIMEOUT must be greater than APP_HEARTBEAT_INTERVAL")
	}
	if cfg.RAGHistoryTurns < 0 {
		return Config{}, fmt.Errorf("APP_RAG_HISTORY_TURNS must be >= 0")
	}
	if cfg.RAGTopK <= 0 {
		return Config{}, fmt.Errorf("APP_RAG_TOPK must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

// trimSpace strips only ASCII whitespace, which is all an env var value
// ever needs.
func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
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
