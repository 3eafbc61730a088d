// Package logging builds the process logger. Diagnostics go to stderr so the
// console renderer can own stdout.
package logging

import (
	"io"
	"log/slog"

	"github.com/atikulmunna/mcpmon/internal/model"
)

// New returns a text slog.Logger writing to w at the given verbosity.
// Unknown verbosity names fall back to info.
func New(w io.Writer, verbosity string) *slog.Logger {
	lvl, err := model.ParseLevel(verbosity)
	if err != nil {
		lvl = model.LevelInfo
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: SlogLevel(lvl)})
	return slog.New(handler)
}

// SlogLevel maps an event Level onto the slog scale.
func SlogLevel(l model.Level) slog.Level {
	switch l {
	case model.LevelDebug:
		return slog.LevelDebug
	case model.LevelWarning:
		return slog.LevelWarn
	case model.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything. Used by tests and as the
// default when a component is built without a logger.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
