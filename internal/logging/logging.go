package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger initialises a text slog.Logger on stdout with the provided level string.
func NewLogger(levelStr string) *slog.Logger {
	return New(os.Stdout, levelStr)
}

// New builds a text logger writing to w.
func New(w io.Writer, levelStr string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(levelStr),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(levelStr string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
