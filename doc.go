// Package querycache is a client-side data synchronization cache.
//
// A Client[V] sits between callers and a remote source. Callers describe
// what they need with a Key and a FetchFunc; the client caches results,
// serves them while fresh, revalidates stale data in the background while
// still serving it, collapses concurrent fetches of one key into a single
// call and garbage collects entries nobody observes.
//
// Versions:
//
// Every entry carries a version that grows with each data-affecting write
// (fetch success or failure, SetQueryData, optimistic writes, rollbacks,
// invalidation). A fetch remembers the version at dispatch and its result
// is applied only if the version is unchanged when it lands, so the last
// writer by version wins, never the last fetch to resolve:
//
//	v, err := c.FetchQuery(ctx, querycache.Key{"events", 1}, loadEvent)
//	_ = c.InvalidateQueries(ctx, querycache.QueryFilter[Event]{Key: querycache.Key{"events"}})
//
// Observers:
//
//	stop, err := c.Observe(key, loadEvent, render, querycache.WithStaleTime(time.Minute))
//	defer stop()
//
// Mutations write optimistically, roll back exactly on failure and
// invalidate the keys they touched once settled:
//
//	_, err := querycache.Mutate(ctx, c, addEvent, ev, querycache.MutationHooks[[]Event, Event, Event]{
//	    AffectedKeys: func(Event) []querycache.Key { return []querycache.Key{{"events"}} },
//	    OnMutate: func(_ querycache.Key, cur []Event, _ bool, ev Event) ([]Event, bool) {
//	        return append(slices.Clone(cur), ev), true
//	    },
//	})
//
// Options.Persist adds a second tier (package persist) that keeps successful
// results across GC and restarts, guarded by per-key generations.
package querycache
