// Package logger provides the narrow, leveled logging interface used
// throughout the daemon. Each worker and each torrent gets its own
// named logger so log lines can be attributed at a glance.
package logger

import "github.com/sirupsen/logrus"

// Logger is the minimal leveled-logging surface every package depends
// on, kept deliberately small so call sites never need to know the
// concrete logging library behind it.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with name, which is attached to every
// line as a "component" field.
func New(name string) Logger {
	return &logrusLogger{entry: base.WithField("component", name)}
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the global log level (e.g. from config.Debug).
func SetLevel(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugln(args ...interface{})               { l.entry.Debugln(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infoln(args ...interface{})                { l.entry.Infoln(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warning(args ...interface{})               { l.entry.Warning(args...) }
func (l *logrusLogger) Warningln(args ...interface{})             { l.entry.Warningln(args...) }
func (l *logrusLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warningf(format, args...)
}
func (l *logrusLogger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorln(args ...interface{})               { l.entry.Errorln(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
