package querycache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/unkn0wn-root/querycache/keys"
	"golang.org/x/sync/errgroup"
)

type invalidateOptions struct {
	refetch       RefetchType
	cancelRefetch bool
}

type InvalidateOption func(*invalidateOptions)

// WithRefetchType overrides Options.RefetchType for one call.
func WithRefetchType(t RefetchType) InvalidateOption {
	return func(o *invalidateOptions) { o.refetch = t }
}

// WithCancelRefetch(false) lets a running fetch finish instead of restarting
// it. That fetch is adopted as the refetch: its result applies on top of the
// invalidation.
func WithCancelRefetch(cancel bool) InvalidateOption {
	return func(o *invalidateOptions) { o.cancelRefetch = cancel }
}

// InvalidateQueries marks every entry selected by f stale and bumps its
// version, so in-flight results dispatched earlier are dropped. Entries that
// qualify under the refetch type are refetched at once and the call waits
// for them. Fetch errors land on the entries; only ctx errors are returned.
//
// An exact key with no live entry still drops that key's persisted record.
func (c *Client[V]) InvalidateQueries(ctx context.Context, f QueryFilter[V], opts ...InvalidateOption) error {
	io := invalidateOptions{refetch: c.refetchType, cancelRefetch: true}
	for _, o := range opts {
		o(&io)
	}
	var orphan string
	sel := func() ([]*entry[V], error) {
		es, err := c.matchLocked(f)
		if err == nil && len(es) == 0 {
			orphan = orphanToken(f)
		}
		return es, err
	}
	err := c.invalidate(ctx, sel, io, true)
	if orphan != "" && !errors.Is(err, ErrClosed) {
		c.persistInvalidate(ctx, orphan)
	}
	return err
}

// orphanToken is the token of the single key f names, or "" when f can
// select more than one key or depends on live entry state.
func orphanToken[V any](f QueryFilter[V]) string {
	if !f.Exact || len(f.Key) == 0 || f.Type == FilterActive || f.Predicate != nil {
		return ""
	}
	id, err := keys.Canonicalize(f.Key...)
	if err != nil {
		return ""
	}
	return id.Token()
}

// invalidate marks the selected entries, drops their persisted records and
// dispatches refetches, waiting for them only when await is set.
func (c *Client[V]) invalidate(ctx context.Context, sel func() ([]*entry[V], error), io invalidateOptions, await bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	es, err := sel()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	for _, e := range es {
		e.invalidated = true
		e.version++
		c.notifyLocked(e)
	}
	c.mu.Unlock()

	// records go before refetches, so a refetch observes the new generation
	for _, e := range es {
		c.persistInvalidate(ctx, e.id.Token())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var fetches []*fetch[V]
	for _, e := range es {
		if c.entries[e.id.Token()] != e {
			continue
		}
		if f := c.refetchLocked(e, io); f != nil {
			fetches = append(fetches, f)
		}
	}
	c.mu.Unlock()

	c.log.Debug("invalidated", Fields{"entries": len(es), "refetching": len(fetches), "refetchType": string(io.refetch)})
	if !await {
		return nil
	}
	return c.awaitAll(ctx, fetches)
}

func (c *Client[V]) refetchLocked(e *entry[V], io invalidateOptions) *fetch[V] {
	if e.fetchFn == nil || !c.enabledLocked(e) {
		return nil
	}
	active := len(e.observers) > 0
	switch io.refetch {
	case RefetchNone:
		return nil
	case RefetchInactive:
		if active {
			return nil
		}
	case RefetchAll:
	default:
		if !active {
			return nil
		}
	}
	if e.inFlight != nil {
		if !io.cancelRefetch {
			e.inFlight.version = e.version
			return e.inFlight
		}
		c.cancelLocked(e, ErrCancelled)
	}
	return c.dispatchLocked(e, e.fetchFn, e.lastOpt)
}

// enabledLocked is false when every policy observer of e is disabled.
func (c *Client[V]) enabledLocked(e *entry[V]) bool {
	policies := 0
	for _, o := range e.observers {
		if !o.policy {
			continue
		}
		if o.opts.enabled {
			return true
		}
		policies++
	}
	return policies == 0
}

func (c *Client[V]) awaitAll(ctx context.Context, fs []*fetch[V]) error {
	if len(fs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fs {
		g.Go(func() error {
			select {
			case <-f.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// CancelQueries stops the in-flight fetches of every entry selected by f.
// Waiters get ErrCancelled, entries return to their pre-fetch status and
// late results are dropped. It returns how many fetches were cancelled.
func (c *Client[V]) CancelQueries(f QueryFilter[V]) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	es, err := c.matchLocked(f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range es {
		if c.cancelLocked(e, ErrCancelled) {
			n++
		}
	}
	return n, nil
}

// RemoveQueries drops every entry selected by f, including its persisted
// record. Observers of a removed entry stay attached to the detached entry
// until they unsubscribe.
func (c *Client[V]) RemoveQueries(ctx context.Context, f QueryFilter[V]) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	es, err := c.matchLocked(f)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	for _, e := range es {
		c.cancelLocked(e, ErrCancelled)
		c.deleteLocked(e)
	}
	c.mu.Unlock()

	for _, e := range es {
		c.persistRemove(ctx, e.id.Token())
	}
	return len(es), nil
}

// ResetQueries returns every entry selected by f to its initial, data-less
// state and refetches the active ones like InvalidateQueries does.
func (c *Client[V]) ResetQueries(ctx context.Context, f QueryFilter[V]) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	es, err := c.matchLocked(f)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	for _, e := range es {
		c.cancelLocked(e, ErrCancelled)
		var zero V
		e.data, e.hasData, e.err = zero, false, nil
		e.status = StatusIdle
		e.updatedAt, e.errorUpdatedAt = time.Time{}, time.Time{}
		e.invalidated = false
		e.failureCount = 0
		e.version++
		c.notifyLocked(e)
	}
	c.mu.Unlock()

	for _, e := range es {
		c.persistRemove(ctx, e.id.Token())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var fetches []*fetch[V]
	io := invalidateOptions{refetch: RefetchActive, cancelRefetch: true}
	for _, e := range es {
		if c.entries[e.id.Token()] != e {
			continue
		}
		if ft := c.refetchLocked(e, io); ft != nil {
			fetches = append(fetches, ft)
		}
	}
	c.mu.Unlock()
	return c.awaitAll(ctx, fetches)
}

// IsFetching counts the entries selected by f with a fetch in flight.
func (c *Client[V]) IsFetching(f QueryFilter[V]) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	es, err := c.matchLocked(f)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range es {
		if e.inFlight != nil {
			n++
		}
	}
	return n
}
