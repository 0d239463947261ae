// Package logger provides the structured zerolog logger used across lablink.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init creates a zerolog.Logger writing human-readable output to stderr.
// Supported levels: debug, info, warn, error. Unknown levels fall back to info.
func Init(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

// New creates a zerolog.Logger writing to the given sink. Split out from
// Init so tests can capture output.
func New(out io.Writer, level string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(
		zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		},
	).Level(lvl).With().Timestamp().Logger()
}
