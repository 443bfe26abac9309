package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/vigil/internal/timeout"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "vigil.db"
	defaultMaxParallel = 4

	envListenAddr    = "VIGIL_LISTEN_ADDR"
	envDBPath        = "VIGIL_DB_PATH"
	envLogLevel      = "VIGIL_LOG_LEVEL"
	envWarnInterval  = "VIGIL_WATCHDOG_WARN_INTERVAL"
	envEscalateAfter = "VIGIL_WATCHDOG_ESCALATE_AFTER"
	envWorkerBin     = "VIGIL_WORKER_BIN"
	envMaxParallel   = "VIGIL_MAX_PARALLEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WarnInterval is the cadence of "has not yet stopped" warnings.
	WarnInterval time.Duration

	// EscalateAfter is the number of warnings after which a timed-out unit
	// is killed or abandoned. Zero disables escalation.
	EscalateAfter int

	// WorkerBin is the executable started for process-isolated units. Empty
	// means the running executable.
	WorkerBin string

	// MaxParallel bounds the tasks of one build running at once.
	MaxParallel int
}

// Load reads configuration from environment variables with sensible defaults.
// Values that do not parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		WarnInterval:  timeout.DefaultWarnInterval,
		EscalateAfter: timeout.DefaultEscalateAfter,
		MaxParallel:   defaultMaxParallel,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWarnInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WarnInterval = d
		}
	}
	if v := os.Getenv(envEscalateAfter); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EscalateAfter = n
		}
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envMaxParallel); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallel = n
		}
	}

	return cfg
}

// Timeout returns the coordinator configuration for cfg.
func (c Config) Timeout() timeout.Config {
	return timeout.Config{
		WarnInterval:  c.WarnInterval,
		EscalateAfter: c.EscalateAfter,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
