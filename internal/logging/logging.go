// Package logging provides the process-wide prefixed loggers used across the
// engine. It mirrors the teacher repository's convention of a single
// stdlib *log.Logger per concern with an INFO/WARN/ERROR/DEBUG-style prefix,
// rather than introducing a structured logging dependency.
package logging

import (
	"log"
	"os"
)

// Logger is a thin wrapper around the standard library logger that adds
// leveled prefixes, matching the "INFO:"/"WARN:"/"ERROR:" style used
// throughout the teacher's cmd/apiserver and persistence packages.
type Logger struct {
	component string
	out       *log.Logger
}

// New creates a Logger for the given component name, e.g. "storage" or
// "processor[3]". Output goes to stderr so stdout stays free for any
// structured output a caller might want to pipe.
func New(component string) *Logger {
	return &Logger{
		component: component,
		out:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf("INFO  ["+l.component+"] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.out.Printf("WARN  ["+l.component+"] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf("ERROR ["+l.component+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.out.Printf("DEBUG ["+l.component+"] "+format, args...)
}
