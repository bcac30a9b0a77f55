// Package apex adapts github.com/apex/log to querycache.Logger.
package apex

import (
	"github.com/apex/log"

	"github.com/unkn0wn-root/querycache"
)

var _ querycache.Logger = Logger{}

// Logger writes through E. An "err" error goes through WithError, which
// stores its text under "error".
type Logger struct{ E *log.Entry }

func New(l *log.Logger) Logger {
	return Logger{E: l.WithField("component", "querycache")}
}

// Default logs through apex's package-level logger, so log.SetHandler and
// log.SetLevel apply.
func Default() Logger {
	return Logger{E: log.WithField("component", "querycache")}
}

func (l Logger) Debug(msg string, f querycache.Fields) { l.entry(f).Debug(msg) }
func (l Logger) Info(msg string, f querycache.Fields)  { l.entry(f).Info(msg) }
func (l Logger) Warn(msg string, f querycache.Fields)  { l.entry(f).Warn(msg) }
func (l Logger) Error(msg string, f querycache.Fields) { l.entry(f).Error(msg) }

func (l Logger) entry(f querycache.Fields) *log.Entry {
	e := l.E
	if len(f) == 0 {
		return e
	}
	fs := make(log.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		fs[k] = v
	}
	return e.WithFields(fs)
}
