package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type event struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func newTestClient[V any](t *testing.T, opts Options[V]) *Client[V] {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder[V any] struct {
	mu   sync.Mutex
	seen []Entry[V]
}

func (r *recorder[V]) listen(e Entry[V]) {
	r.mu.Lock()
	r.seen = append(r.seen, e)
	r.mu.Unlock()
}

func (r *recorder[V]) all() []Entry[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry[V](nil), r.seen...)
}

func (r *recorder[V]) last() (Entry[V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return Entry[V]{}, false
	}
	return r.seen[len(r.seen)-1], true
}

type hookRecorder struct {
	NopHooks
	mu          sync.Mutex
	discarded   []string
	retries     int
	evicted     []string
	panics      int
	rolledBack  int
	persistErrs []string
	heals       []string
}

func (h *hookRecorder) FetchDiscarded(_, reason string) {
	h.mu.Lock()
	h.discarded = append(h.discarded, reason)
	h.mu.Unlock()
}

func (h *hookRecorder) FetchRetry(string, int, error) {
	h.mu.Lock()
	h.retries++
	h.mu.Unlock()
}

func (h *hookRecorder) EntryEvicted(key string) {
	h.mu.Lock()
	h.evicted = append(h.evicted, key)
	h.mu.Unlock()
}

func (h *hookRecorder) ListenerPanic(string, any) {
	h.mu.Lock()
	h.panics++
	h.mu.Unlock()
}

func (h *hookRecorder) MutationRolledBack(_ string, n int, _ error) {
	h.mu.Lock()
	h.rolledBack += n
	h.mu.Unlock()
}

func (h *hookRecorder) PersistError(op, _ string, _ error) {
	h.mu.Lock()
	h.persistErrs = append(h.persistErrs, op)
	h.mu.Unlock()
}

func (h *hookRecorder) PersistSelfHeal(_, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

type hookCounts struct {
	discarded   []string
	retries     int
	evicted     []string
	panics      int
	rolledBack  int
	persistErrs []string
	heals       []string
}

func (h *hookRecorder) snapshot() hookCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hookCounts{
		discarded:   append([]string(nil), h.discarded...),
		retries:     h.retries,
		evicted:     append([]string(nil), h.evicted...),
		panics:      h.panics,
		rolledBack:  h.rolledBack,
		persistErrs: append([]string(nil), h.persistErrs...),
		heals:       append([]string(nil), h.heals...),
	}
}

// counting returns a fetch function that answers with next(n) for the
// n-th call, starting at 1.
func counting[V any](calls *atomic.Int32, next func(n int) V) FetchFunc[V] {
	return func(context.Context, Key) (V, error) {
		return next(int(calls.Add(1))), nil
	}
}

// blocking returns a fetch function that waits for a value on release and
// ignores cancellation.
func blocking[V any](calls *atomic.Int32, release <-chan V) FetchFunc[V] {
	return func(context.Context, Key) (V, error) {
		calls.Add(1)
		return <-release, nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}
