// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05"

// New returns a logger at level (trace..error, default info). Pretty selects the
// human console writer, otherwise JSON lines are written.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"
	zerolog.CallerMarshalFunc = shortCaller

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().Timestamp().Caller().
		Logger()
}

// ParseLevel maps a level name to zerolog, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// file:line, without the full path
func shortCaller(_ uintptr, file string, line int) string {
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
