// Package asynchook moves querycache hook delivery off the caller's
// goroutine. Events are queued to a fixed worker pool and dropped when the
// queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    DiscardEvery: 10, // sample logs: ~every 10th dropped fetch result
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	client, _ := querycache.New[User](querycache.Options[User]{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner   querycache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for range workers {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers what is queued and stops the workers. Events after Close
// are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed pool.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchDiscarded(k, r string) { h.try(func() { h.inner.FetchDiscarded(k, r) }) }
func (h *Hooks) EntryEvicted(k string)      { h.try(func() { h.inner.EntryEvicted(k) }) }
func (h *Hooks) FetchRetry(k string, n int, err error) {
	h.try(func() { h.inner.FetchRetry(k, n, err) })
}
func (h *Hooks) ListenerPanic(k string, r any) {
	h.try(func() { h.inner.ListenerPanic(k, r) })
}
func (h *Hooks) MutationRolledBack(id string, n int, err error) {
	h.try(func() { h.inner.MutationRolledBack(id, n, err) })
}
func (h *Hooks) PersistError(op, k string, err error) {
	h.try(func() { h.inner.PersistError(op, k, err) })
}
func (h *Hooks) PersistSelfHeal(k, r string) {
	h.try(func() { h.inner.PersistSelfHeal(k, r) })
}
