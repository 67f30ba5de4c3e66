// Package logging wires zerolog as the structured-logging backbone for
// every sgcache component (SPEC_FULL.md §1.1). Grounded on
// cuemby-warren's pkg/log: one process-wide Logger, a Config that picks
// console vs JSON output, and a Component helper for per-component child
// loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the configured minimum severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the process-wide logger.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Logger is the process-wide base logger; components derive child
// loggers from it via Component().
var Logger zerolog.Logger

// Init configures the global logger and zerolog's global level filter.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name,
// the convention every package in this module uses to identify its log
// lines.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
