package asynchook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/querycache"
)

type counting struct {
	querycache.NopHooks
	mu      sync.Mutex
	evicted []string
	block   chan struct{}
}

func (c *counting) EntryEvicted(k string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.evicted = append(c.evicted, k)
	c.mu.Unlock()
}

func TestDeliversBeforeClose(t *testing.T) {
	inner := &counting{}
	h := New(inner, 2, 16)
	for range 10 {
		h.EntryEvicted("k")
	}
	h.Close()
	assert.Len(t, inner.evicted, 10)
	assert.Zero(t, h.Dropped())

	h.EntryEvicted("late")
	assert.EqualValues(t, 1, h.Dropped())
	h.Close()
}

func TestDropsWhenFull(t *testing.T) {
	inner := &counting{block: make(chan struct{})}
	h := New(inner, 1, 1)
	// one event held by the worker, one queued, the rest dropped
	for range 5 {
		h.EntryEvicted("k")
	}
	close(inner.block)
	h.Close()
	assert.GreaterOrEqual(t, h.Dropped(), uint64(3))
	assert.Equal(t, 5, len(inner.evicted)+int(h.Dropped()))
}
