// Package zap adapts a *zap.Logger to querycache.Logger.
package zap

import (
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/querycache"
)

var _ querycache.Logger = Logger{}

// Logger writes through L. Fields are emitted in key order; an "err" field
// holding an error becomes zap.Error.
type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l.Named("querycache")} }

func (z Logger) Debug(msg string, f querycache.Fields) { z.log(zap.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f querycache.Fields)  { z.log(zap.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f querycache.Fields)  { z.log(zap.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f querycache.Fields) { z.log(zap.ErrorLevel, msg, f) }

func (z Logger) log(lvl zapcore.Level, msg string, f querycache.Fields) {
	if ce := z.L.Check(lvl, msg); ce != nil {
		ce.Write(fields(f)...)
	}
}

func fields(f querycache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	ks := make([]string, 0, len(f))
	for k := range f {
		ks = append(ks, k)
	}
	slices.Sort(ks)
	out := make([]zap.Field, 0, len(f))
	for _, k := range ks {
		if err, ok := f[k].(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
