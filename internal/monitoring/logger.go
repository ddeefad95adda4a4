package monitoring

import (
	"fmt"
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level is a diagnostic verbosity. Messages at a level above the logger's
// level are dropped.
type Level int

const (
	Quiet Level = iota
	Error
	Warn
	Info
	Debug
)

var levelNames = [...]string{"quiet", "error", "warn", "info", "debug"}

func (l Level) String() string {
	if l < Quiet || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts a level name or its integer value.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name || s == fmt.Sprint(i) {
			return Level(i), nil
		}
	}
	return Quiet, fmt.Errorf("unknown log level %q", s)
}

// Logger gates messages by level. The zero value logs nothing. A nil
// Printf routes output through the package Logf.
type Logger struct {
	Level  Level
	Printf func(format string, v ...interface{})
}

// NewLogger returns a Logger at level that writes through Logf.
func NewLogger(level Level) Logger {
	return Logger{Level: level}
}

// Enabled reports whether messages at level are emitted.
func (l Logger) Enabled(level Level) bool {
	return level > Quiet && level <= l.Level
}

func (l Logger) logf(level Level, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	out := l.Printf
	if out == nil {
		out = Logf
	}
	out("[%s] "+format, append([]interface{}{level}, v...)...)
}

func (l Logger) Errorf(format string, v ...interface{}) { l.logf(Error, format, v...) }
func (l Logger) Warnf(format string, v ...interface{})  { l.logf(Warn, format, v...) }
func (l Logger) Infof(format string, v ...interface{})  { l.logf(Info, format, v...) }
func (l Logger) Debugf(format string, v ...interface{}) { l.logf(Debug, format, v...) }
