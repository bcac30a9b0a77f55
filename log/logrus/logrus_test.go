package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/querycache"
)

func TestLoggerWritesFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)
	l := New(base)

	l.Debug("fetch dispatched", querycache.Fields{"key": "k"})
	boom := errors.New("boom")
	l.Error("listener panicked", querycache.Fields{"key": "k", "err": boom})

	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, "listener panicked", e.Message)
	assert.Equal(t, "querycache", e.Data["component"])
	assert.Equal(t, "k", e.Data["key"])
	assert.Equal(t, boom, e.Data[logrus.ErrorKey])
}
