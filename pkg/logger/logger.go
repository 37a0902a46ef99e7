// Package logger wraps logrus with the structured-field conventions used
// across the server: component name, record/task/service ids, and request
// correlation ids are always passed as fields, never interpolated into the
// message string.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the shared structured logger handle. It embeds *logrus.Entry so
// callers can chain WithField/WithFields/WithError directly.
type Logger struct {
	*logrus.Entry
}

// Options configures the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// New builds a root Logger for the given component name.
func New(component string, opts Options) *Logger {
	base := logrus.New()
	base.SetLevel(parseLevel(opts.Level))
	if strings.EqualFold(opts.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	return &Logger{Entry: base.WithField("component", component)}
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// With returns a child logger scoped to a sub-component, preserving the
// parent's fields.
func (l *Logger) With(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}
