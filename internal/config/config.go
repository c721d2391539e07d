package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the dual-memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	MaxContextMessages        int
	ConversationRetentionDays int
	RetentionSweepInterval    time.Duration

	AuditCacheDir      string
	ArchiveDatabaseURL string
	ArchiveDir         string
	ArchiveFlushHour   int
	ArchiveMaxAttempts int
	ArchiveTimeout     time.Duration
	ArchiveRetryBase   time.Duration
	ArchiveRetryCap    time.Duration

	DedupeThreshold      float64
	TodoReminderInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "recall"),
		AllowAnyOrigin:   false,

		MaxContextMessages:        5,
		ConversationRetentionDays: 30,
		RetentionSweepInterval:    6 * time.Hour,

		AuditCacheDir:      envOrDefault("AUDIT_CACHE_DIR", "./data/audit"),
		ArchiveDatabaseURL: stringsTrimSpace("ARCHIVE_DATABASE_URL"),
		ArchiveDir:         envOrDefault("ARCHIVE_DIR", "./data/archive"),
		ArchiveFlushHour:   7,
		ArchiveMaxAttempts: 5,
		ArchiveTimeout:     30 * time.Second,
		ArchiveRetryBase:   2 * time.Second,
		ArchiveRetryCap:    5 * time.Minute,

		DedupeThreshold:      0.6,
		TodoReminderInterval: time.Hour,

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxContextMessages, err = intFromEnv("MAX_CONTEXT_MESSAGES", cfg.MaxContextMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationRetentionDays, err = intFromEnv("CONVERSATION_RETENTION_DAYS", cfg.ConversationRetentionDays)
	if err != nil {
		return Config{}, err
	}
	cfg.RetentionSweepInterval, err = durationFromEnv("RETENTION_SWEEP_INTERVAL", cfg.RetentionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveFlushHour, err = intFromEnv("ARCHIVE_FLUSH_HOUR", cfg.ArchiveFlushHour)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveMaxAttempts, err = intFromEnv("ARCHIVE_MAX_ATTEMPTS", cfg.ArchiveMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveTimeout, err = durationFromEnv("ARCHIVE_UPLOAD_TIMEOUT", cfg.ArchiveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveRetryBase, err = durationFromEnv("ARCHIVE_RETRY_BASE", cfg.ArchiveRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveRetryCap, err = durationFromEnv("ARCHIVE_RETRY_CAP", cfg.ArchiveRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupeThreshold, err = floatFromEnv("DEDUPE_THRESHOLD", cfg.DedupeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.TodoReminderInterval, err = durationFromEnv("TODO_REMINDER_INTERVAL", cfg.TodoReminderInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxContextMessages <= 0 {
		return Config{}, fmt.Errorf("MAX_CONTEXT_MESSAGES must be positive")
	}
	if cfg.ConversationRetentionDays <= 0 {
		return Config{}, fmt.Errorf("CONVERSATION_RETENTION_DAYS must be positive")
	}
	if cfg.ArchiveFlushHour < 0 || cfg.ArchiveFlushHour > 23 {
		return Config{}, fmt.Errorf("ARCHIVE_FLUSH_HOUR must be in [0,23]")
	}
	if cfg.ArchiveMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("ARCHIVE_MAX_ATTEMPTS must be positive")
	}
	if cfg.ArchiveTimeout < time.Second {
		return Config{}, fmt.Errorf("ARCHIVE_UPLOAD_TIMEOUT must be at least 1s")
	}
	if cfg.DedupeThreshold <= 0 || cfg.DedupeThreshold > 1 {
		return Config{}, fmt.Errorf("DEDUPE_THRESHOLD must be in (0,1]")
	}
	if cfg.TodoReminderInterval < time.Minute {
		return Config{}, fmt.Errorf("TODO_REMINDER_INTERVAL must be at least 1m")
	}
	if strings.TrimSpace(cfg.AuditCacheDir) == "" {
		return Config{}, fmt.Errorf("AUDIT_CACHE_DIR must not be empty")
	}

	return cfg, nil
}

// ConversationRetention is the retention window as a duration.
func (c Config) ConversationRetention() time.Duration {
	return time.Duration(c.ConversationRetentionDays) * 24 * time.Hour
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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
