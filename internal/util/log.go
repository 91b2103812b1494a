// Package util provides shared helpers for logging, retries and rate
// limiting.
package util

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures NewLoggerWithOptions. An empty File logs to stdout.
type LogOptions struct {
	Level      string
	Format     string // "json" (default) or "text"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unrecognised strings yield info.
func ParseLevel(level string) slog.Level {
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

// NewLogger creates a JSON logger on stdout at the specified level.
func NewLogger(level string) *slog.Logger {
	logger, _ := NewLoggerWithOptions(LogOptions{Level: level})
	return logger
}

// NewLoggerWithOptions builds a logger from opts. When opts.File is set the
// output is a size-rotated file and the returned closer releases it; the
// closer is a no-op otherwise.
func NewLoggerWithOptions(opts LogOptions) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w, closer = lj, lj
	}
	return slog.New(newHandler(w, opts)), closer
}

func newHandler(w io.Writer, opts LogOptions) slog.Handler {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
