// Package logging wires the process-wide structured logger. It is
// constructed once in cmd/dald and threaded into every subsystem
// constructor; nothing in this repository reaches for a package-level
// ambient logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	izerolog "github.com/joeycumines/logiface-zerolog"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type threaded through every subsystem.
type Logger = logiface.Logger[*izerolog.Event]

// New builds a Logger writing newline-delimited JSON to w, at the given
// level ("debug", "info", "warning", "error", ...; unrecognised values fall
// back to informational).
func New(w io.Writer, level string) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.WithZerolog(zl),
		izerolog.L.WithLevel(parseLevel(level)),
	)
}

// Default returns a logger writing to stderr at informational level, used
// when no config has been loaded yet (e.g. flag parsing failures).
func Default() *Logger {
	return New(os.Stderr, "info")
}

// With returns a child logger carrying a "component" field, one per
// subsystem.
func With(l *Logger, component string) *Logger {
	return l.Clone().Str("component", component).Logger()
}

func parseLevel(level string) logiface.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info", "informational", "":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warn", "warning":
		return logiface.LevelWarning
	case "error", "err":
		return logiface.LevelError
	case "crit", "critical":
		return logiface.LevelCritical
	case "alert":
		return logiface.LevelAlert
	case "emerg", "emergency":
		return logiface.LevelEmergency
	default:
		return logiface.LevelInformational
	}
}
