package logger

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron adapts l to the cron.Logger interface. Info messages from the
// scheduler are logged at debug level.
func (l *Logger) Cron() cron.Logger {
	return cronLogger{l: l.Component("cron")}
}

type cronLogger struct {
	l *Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	withFields(c.l.Debug(), keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	withFields(c.l.Error().Err(err), keysAndValues).Msg(msg)
}

func withFields(e *zerolog.Event, keysAndValues []any) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keysAndValues[i+1])
	}
	return e
}
