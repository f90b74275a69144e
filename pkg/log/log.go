// Package log provides a thin prefix-aware wrapper around logrus, shared by
// every package in the agent so that log lines can be attributed to the
// component that emitted them without threading a context value everywhere.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a logrus.FieldLogger and tags every message with a
// fixed "component" field.
type PrefixLogger struct {
	entry  *logrus.Entry
	prefix string
}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// NewPrefixLogger returns a logger that tags every line with prefix as its
// "component" field, e.g. component=factory_reset; an empty prefix adds no
// field.
func NewPrefixLogger(prefix string) *PrefixLogger {
	entry := logrus.NewEntry(std)
	if prefix != "" {
		entry = entry.WithField("component", prefix)
	}
	return &PrefixLogger{entry: entry, prefix: prefix}
}

// SetOutput redirects the shared logger's output.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Level sets the minimum level by name ("panic", "fatal", "error", "warn",
// "warning", "info", "debug", "trace"); anything unrecognized falls back to
// info.
func (l *PrefixLogger) Level(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	std.SetLevel(parsed)
}

// WithField returns a derived logger carrying an additional structured field.
func (l *PrefixLogger) WithField(key string, value interface{}) *PrefixLogger {
	return &PrefixLogger{entry: l.entry.WithField(key, value), prefix: l.prefix}
}

// WithFields returns a derived logger carrying additional structured fields.
func (l *PrefixLogger) WithFields(fields map[string]interface{}) *PrefixLogger {
	return &PrefixLogger{entry: l.entry.WithFields(fields), prefix: l.prefix}
}

// WithError returns a derived logger carrying an "error" field.
func (l *PrefixLogger) WithError(err error) *PrefixLogger {
	return &PrefixLogger{entry: l.entry.WithError(err), prefix: l.prefix}
}

func (l *PrefixLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *PrefixLogger) Debugf(f string, args ...interface{}) { l.entry.Debugf(f, args...) }
func (l *PrefixLogger) Info(args ...interface{}) { l.entry.Info(args...) }
func (l *PrefixLogger) Infof(f string, args ...interface{}) { l.entry.Infof(f, args...) }
func (l *PrefixLogger) Warn(args ...interface{}) { l.entry.Warn(args...) }
func (l *PrefixLogger) Warnf(f string, args ...interface{}) { l.entry.Warnf(f, args...) }
func (l *PrefixLogger) Warning(args ...interface{}) { l.entry.Warning(args...) }
func (l *PrefixLogger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *PrefixLogger) Errorf(f string, args ...interface{}) { l.entry.Errorf(f, args...) }
func (l *PrefixLogger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }
func (l *PrefixLogger) Fatalf(f string, args ...interface{}) { l.entry.Fatalf(f, args...) }
func (l *PrefixLogger) Tracef(f string, args ...interface{}) { l.entry.Tracef(f, args...) }
