// Package logrus adapts a logrus entry to querycache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/querycache"
)

var _ querycache.Logger = Logger{}

// Logger writes through E. An "err" field holding an error is attached with
// WithError so formatters and hooks see it under logrus.ErrorKey.
type Logger struct{ E *logrus.Entry }

func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "querycache")}
}

func (l Logger) Debug(msg string, f querycache.Fields) { l.entry(f).Debug(msg) }
func (l Logger) Info(msg string, f querycache.Fields)  { l.entry(f).Info(msg) }
func (l Logger) Warn(msg string, f querycache.Fields)  { l.entry(f).Warn(msg) }
func (l Logger) Error(msg string, f querycache.Fields) { l.entry(f).Error(msg) }

func (l Logger) entry(f querycache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	fs := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			fs[logrus.ErrorKey] = err
			continue
		}
		fs[k] = v
	}
	return l.E.WithFields(fs)
}
