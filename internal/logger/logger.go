// Package logger wraps zerolog.Logger with the constructors used across
// tabssh.
//
// Logger embeds zerolog.Logger so the full zerolog API (Debug, Info, Warn,
// Error, ...) is available on *Logger. Components receive a *Logger and derive
// a child with Component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the encoding of log output.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger is a thin wrapper around zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// New constructs a *Logger writing to w at the given level ("debug", "info",
// "warn", ...). An empty level means info. format is FormatJSON or
// FormatConsole; anything else is an error.
func New(w io.Writer, level, format string) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	switch format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		return nil, fmt.Errorf("log format %q: unsupported", format)
	}

	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl}, nil
}

// Nop returns a *Logger that discards all output.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// Component returns a child logger tagged with a "component" field.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{l.With().Str("component", name).Logger()}
}
