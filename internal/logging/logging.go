// Package logging provides the package-level diagnostic logger used
// throughout the control plane.
package logging

import "log"

// logf is the process-wide diagnostic logger. It defaults to log.Printf but
// may be replaced by SetOutput. Tests redirect or mute it so device chatter
// doesn't pollute -v output.
var logf func(format string, v ...interface{}) = log.Printf

// SetOutput replaces the package logger. Passing nil installs a no-op logger.
func SetOutput(f func(format string, v ...interface{})) {
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Logger is a named diagnostic sink bound to a single component, e.g.
// "monochromator" or "electrometer.K1". It mirrors the hierarchical
// logger-per-component convention of the instrument's device layer without
// depending on a structured logging library the rest of the stack doesn't
// otherwise need.
type Logger struct {
	prefix string
}

// New returns a Logger that prefixes every line with name, e.g.
// "[zaber.Z1] moved to slot ND10".
func New(name string) *Logger {
	return &Logger{prefix: name}
}

// Named returns a child logger with a sub-component appended to the prefix,
// e.g. logging.New("electrometer").Named("K1").
func (l *Logger) Named(sub string) *Logger {
	return &Logger{prefix: l.prefix + "." + sub}
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.emit("debug", format, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.emit("info", format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.emit("warn", format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.emit("error", format, v...) }

func (l *Logger) emit(level, format string, v ...interface{}) {
	logf("[%s] %s: "+format, append([]interface{}{l.prefix, level}, v...)...)
}
