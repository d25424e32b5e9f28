// Package logging provides the default types.Logger implementation, a thin
// wrapper over logrus. The teacher repo rolled its own leveled logger on top
// of the standard library's log.Logger; the rest of the retrieval pack
// (nabbar-golib) standardizes on logrus, so the default here is adapted to
// use it instead while keeping the same small interface shape.
package logging

import (
	"os"

	"github.com/jabolina/go-homa/pkg/homa/types"
	"github.com/sirupsen/logrus"
)

// Logger adapts a *logrus.Entry to types.Logger.
type Logger struct {
	entry *logrus.Entry
}

// New builds a default logger writing to stderr with logrus's text
// formatter. Debug-level output must be enabled explicitly.
func New(debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return &Logger{entry: logrus.NewEntry(l)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *Logger) WithField(key string, value interface{}) types.Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}
