package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures rotation and level for the daemon's logger.
type LogConfig struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogRotation builds a slog.Logger that writes to stderr and,
// when cfg.File is set, also to a lumberjack-rotated file.
func SetupLogRotation(cfg LogConfig) *slog.Logger {
	var writer io.Writer = os.Stderr

	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writer = io.MultiWriter(os.Stderr, fileWriter)
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	return slog.New(WrapHandler(handler))
}
