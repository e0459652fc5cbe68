package opt

import (
	"fmt"
	"io"
)

// LogLevel controls the verbosity of solver output.
type LogLevel int

const (
	// LogNoop suppresses all output
	LogNoop LogLevel = -1
	// LogResult prints a single line when a solve finishes
	LogResult LogLevel = 0
	// LogIter prints one line per inner iteration
	LogIter LogLevel = 1
	// LogTrace prints line-search trials and history updates
	LogTrace LogLevel = 2
)

// Logger writes solver diagnostics to an io.Writer. A nil *Logger is
// valid and silent, so components can carry one unconditionally.
type Logger struct {
	Level LogLevel
	Out   io.Writer
}

func NewLogger(level LogLevel, out io.Writer) (l *Logger) {
	l = &Logger{Level: level, Out: out}
	return
}

func (l *Logger) enabled(level LogLevel) bool {
	return l != nil && l.Out != nil && l.Level >= level
}

func (l *Logger) Printf(level LogLevel, format string, a ...interface{}) {
	if !l.enabled(level) {
		return
	}
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}
