package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvents(t *testing.T, c *Client[event]) {
	t.Helper()
	require.NoError(t, c.SetQueryData(Key{"events"}, event{Title: "list"}))
	require.NoError(t, c.SetQueryData(Key{"events", map[string]any{"id": 1}}, event{ID: 1}))
	require.NoError(t, c.SetQueryData(Key{"events", map[string]any{"id": 2}}, event{ID: 2}))
	require.NoError(t, c.SetQueryData(Key{"users"}, event{Title: "users"}))
}

func TestInvalidateCascadesToDescendants(t *testing.T) {
	c := newTestClient(t, Options[event]{StaleTime: time.Hour})
	seedEvents(t, c)

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: Key{"events"}}))

	for _, k := range []Key{{"events"}, {"events", map[string]any{"id": 1}}, {"events", map[string]any{"id": 2}}} {
		st, ok := c.GetQueryState(k)
		require.True(t, ok)
		assert.True(t, st.Invalidated, "%v", k)
		assert.True(t, st.Stale, "%v", k)
		assert.True(t, st.HasData, "invalidation keeps data")
	}
	st, _ := c.GetQueryState(Key{"users"})
	assert.False(t, st.Invalidated)
	assert.False(t, st.Stale)
}

func TestInvalidateExactAndPredicate(t *testing.T) {
	c := newTestClient(t, Options[event]{StaleTime: time.Hour})
	seedEvents(t, c)

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: Key{"events"}, Exact: true}))
	st, _ := c.GetQueryState(Key{"events"})
	assert.True(t, st.Invalidated)
	st, _ = c.GetQueryState(Key{"events", map[string]any{"id": 1}})
	assert.False(t, st.Invalidated)

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{
		Predicate: func(e Entry[event]) bool { return e.Data.ID == 2 },
	}))
	st, _ = c.GetQueryState(Key{"events", map[string]any{"id": 2}})
	assert.True(t, st.Invalidated)
	st, _ = c.GetQueryState(Key{"events", map[string]any{"id": 1}})
	assert.False(t, st.Invalidated)
}

func TestInvalidateTwiceBumpsTwice(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	key := Key{"event", 1}
	require.NoError(t, c.SetQueryData(key, event{ID: 1}))
	st, _ := c.GetQueryState(key)
	v := st.Version

	f := QueryFilter[event]{Key: key}
	require.NoError(t, c.InvalidateQueries(context.Background(), f, WithRefetchType(RefetchNone)))
	require.NoError(t, c.InvalidateQueries(context.Background(), f, WithRefetchType(RefetchNone)))

	st, _ = c.GetQueryState(key)
	assert.Equal(t, v+2, st.Version)
	assert.True(t, st.Invalidated)
}

func TestInvalidateRefetchesActiveEntries(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	var active, inactive atomic.Int32

	unsub, err := c.Observe(Key{"events", 1}, counting(&active, func(n int) event { return event{ID: n} }), nil)
	require.NoError(t, err)
	defer unsub()
	eventually(t, func() bool {
		st, _ := c.GetQueryState(Key{"events", 1})
		return st.Status == StatusSuccess
	}, "initial fetch did not land")

	_, err = c.FetchQuery(context.Background(), Key{"events", 2}, counting(&inactive, func(n int) event { return event{ID: n} }))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: Key{"events"}}))

	st, _ := c.GetQueryState(Key{"events", 1})
	assert.EqualValues(t, 2, active.Load())
	assert.Equal(t, event{ID: 2}, st.Data)
	assert.False(t, st.Invalidated, "refetch clears the flag")

	st, _ = c.GetQueryState(Key{"events", 2})
	assert.EqualValues(t, 1, inactive.Load())
	assert.True(t, st.Invalidated)

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: Key{"events"}},
		WithRefetchType(RefetchInactive)))
	assert.EqualValues(t, 2, inactive.Load())
	assert.EqualValues(t, 2, active.Load())

	require.NoError(t, c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: Key{"events"}},
		WithRefetchType(RefetchAll)))
	assert.EqualValues(t, 3, inactive.Load())
	assert.EqualValues(t, 3, active.Load())
}

func TestInvalidateRestartsInFlightFetch(t *testing.T) {
	hooks := &hookRecorder{}
	c := newTestClient(t, Options[event]{Hooks: hooks})
	key := Key{"event", 1}
	var calls atomic.Int32
	release := make(chan event, 2)

	unsub, err := c.Observe(key, blocking(&calls, release), nil)
	require.NoError(t, err)
	defer unsub()
	eventually(t, func() bool { return calls.Load() == 1 }, "fetch function never started")

	done := make(chan error, 1)
	go func() { done <- c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: key}) }()
	eventually(t, func() bool { return calls.Load() == 2 }, "invalidation did not restart the fetch")

	release <- event{ID: 1, Title: "first"}
	release <- event{ID: 1, Title: "second"}
	require.NoError(t, <-done)

	eventually(t, func() bool {
		st, _ := c.GetQueryState(key)
		return st.Status == StatusSuccess && !st.IsFetching
	}, "refetch did not settle")
	eventually(t, func() bool { return len(hooks.snapshot().discarded) == 1 }, "cancelled fetch was not dropped")
	assert.Equal(t, "cancelled", hooks.snapshot().discarded[0])
}

func TestInvalidateAdoptsRunningFetch(t *testing.T) {
	hooks := &hookRecorder{}
	c := newTestClient(t, Options[event]{Hooks: hooks})
	key := Key{"event", 1}
	var calls atomic.Int32
	release := make(chan event, 1)

	unsub, err := c.Observe(key, blocking(&calls, release), nil)
	require.NoError(t, err)
	defer unsub()
	eventually(t, func() bool { return calls.Load() == 1 }, "fetch function never started")

	done := make(chan error, 1)
	go func() {
		done <- c.InvalidateQueries(context.Background(), QueryFilter[event]{Key: key}, WithCancelRefetch(false))
	}()
	eventually(t, func() bool {
		st, _ := c.GetQueryState(key)
		return st.Invalidated
	}, "entry was not invalidated")

	release <- event{ID: 1, Title: "landed"}
	require.NoError(t, <-done)

	st, _ := c.GetQueryState(key)
	assert.Equal(t, StatusSuccess, st.Status)
	assert.False(t, st.Invalidated)
	assert.Equal(t, "landed", st.Data.Title)
	assert.False(t, st.IsFetching)
	assert.EqualValues(t, 1, calls.Load(), "the running fetch serves as the refetch")
	assert.Empty(t, hooks.snapshot().discarded)
}

func TestInvalidateReturnsContextError(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	key := Key{"event", 1}
	var calls atomic.Int32
	release := make(chan event)
	defer close(release)

	unsub, err := c.Observe(key, blocking(&calls, release), nil)
	require.NoError(t, err)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.InvalidateQueries(ctx, QueryFilter[event]{Key: key})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func TestFilterTypes(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	seedEvents(t, c)
	unsub, err := c.Subscribe(Key{"users"}, nil)
	require.NoError(t, err)
	defer unsub()

	n, err := c.CancelQueries(QueryFilter[event]{Type: FilterActive})
	require.NoError(t, err)
	assert.Zero(t, n)

	removed, err := c.RemoveQueries(context.Background(), QueryFilter[event]{Type: FilterInactive})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	_, ok := c.GetQueryData(Key{"events"})
	assert.False(t, ok)
	_, ok = c.GetQueryData(Key{"users"})
	assert.True(t, ok)
}

func TestResetQueriesClearsData(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	seedEvents(t, c)
	st, _ := c.GetQueryState(Key{"users"})
	v := st.Version

	require.NoError(t, c.ResetQueries(context.Background(), QueryFilter[event]{Key: Key{"users"}}))
	st, ok := c.GetQueryState(Key{"users"})
	require.True(t, ok)
	assert.False(t, st.HasData)
	assert.Equal(t, StatusIdle, st.Status)
	assert.True(t, st.UpdatedAt.IsZero())
	assert.Equal(t, v+1, st.Version)
}

func TestResetQueriesRefetchesObserved(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	key := Key{"event", 1}
	var calls atomic.Int32
	unsub, err := c.Observe(key, counting(&calls, func(n int) event { return event{ID: n} }), nil)
	require.NoError(t, err)
	defer unsub()
	eventually(t, func() bool {
		st, _ := c.GetQueryState(key)
		return st.Status == StatusSuccess
	}, "initial fetch did not land")

	require.NoError(t, c.ResetQueries(context.Background(), QueryFilter[event]{Key: key}))
	v, ok := c.GetQueryData(key)
	require.True(t, ok)
	assert.Equal(t, event{ID: 2}, v)
}

func TestIsFetchingCountsInFlight(t *testing.T) {
	c := newTestClient(t, Options[event]{})
	var calls atomic.Int32
	release := make(chan event)
	for i := range 3 {
		unsub, err := c.Observe(Key{"events", i}, blocking(&calls, release), nil)
		require.NoError(t, err)
		defer unsub()
	}
	assert.Equal(t, 3, c.IsFetching(QueryFilter[event]{}))
	assert.Equal(t, 1, c.IsFetching(QueryFilter[event]{Key: Key{"events", 1}}))

	for range 3 {
		release <- event{}
	}
	eventually(t, func() bool { return c.IsFetching(QueryFilter[event]{}) == 0 }, "fetches did not settle")
}
