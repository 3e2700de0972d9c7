package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "anvil.db"

	envListenAddr = "ANVIL_LISTEN_ADDR"
	envDBPath     = "ANVIL_DB_PATH"
	envLogLevel   = "ANVIL_LOG_LEVEL"
	envConfig     = "ANVIL_CONFIG"
	envSpoolDir   = "ANVIL_SPOOL_DIR"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// RuntimePath is the optional YAML runtime file.
	RuntimePath string
	// SpoolDir holds checkpointed values.
	SpoolDir string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		SpoolDir:   filepath.Join(os.TempDir(), "anvil-spool"),
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
	if v := os.Getenv(envConfig); v != "" {
		cfg.RuntimePath = v
	}
	if v := os.Getenv(envSpoolDir); v != "" {
		cfg.SpoolDir = v
	}

	return cfg
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
