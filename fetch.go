package querycache

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/querycache/internal/retry"
	"github.com/unkn0wn-root/querycache/keys"
	"github.com/unkn0wn-root/querycache/persist"
)

// fetch is one outstanding call of a fetch function. Waiters block on done;
// val and err are written before done is closed.
type fetch[V any] struct {
	done   chan struct{}
	val    V
	err    error
	cancel context.CancelFunc
	// entry version at dispatch; the result applies only while it holds
	version uint64
	// entry had no data at dispatch, so a persisted record may stand in
	restore bool
	settled bool
}

func (c *Client[V]) fetchFnLocked(e *entry[V], fn FetchFunc[V]) FetchFunc[V] {
	switch {
	case fn != nil:
		return fn
	case e != nil && e.fetchFn != nil:
		return e.fetchFn
	default:
		return c.opts.FetchFunc
	}
}

// ensureLocked joins the in-flight fetch of e, serves fresh data, or
// dispatches a new fetch. hit means the cached data is fresh.
func (c *Client[V]) ensureLocked(e *entry[V], fn FetchFunc[V], q queryOptions, caller *time.Duration) (f *fetch[V], hit bool) {
	if e.inFlight != nil {
		return e.inFlight, false
	}
	if e.status == StatusSuccess && !c.isStaleLocked(e, caller) {
		return nil, true
	}
	return c.dispatchLocked(e, fn, q), false
}

func (c *Client[V]) dispatchLocked(e *entry[V], fn FetchFunc[V], q queryOptions) *fetch[V] {
	ctx, cancel := context.WithCancel(c.ctx)
	f := &fetch[V]{
		done:    make(chan struct{}),
		cancel:  cancel,
		version: e.version,
		restore: c.persist != nil && !e.hasData,
	}
	e.inFlight = f
	e.fetchFn = fn
	e.lastOpt = q
	c.raiseGCLocked(e, q.gcTime)
	c.stopGCLocked(e)
	// pending keeps data and error: stale-while-revalidate
	e.status = StatusPending
	c.notifyLocked(e)

	c.log.Debug("fetch dispatched", Fields{"key": e.id.Token(), "version": e.version})
	c.wg.Add(1)
	go c.run(ctx, e, f, fn, q)
	return f
}

func (c *Client[V]) run(ctx context.Context, e *entry[V], f *fetch[V], fn FetchFunc[V], q queryOptions) {
	defer c.wg.Done()
	defer f.cancel()
	token := e.id.Token()

	var (
		gen   uint64
		genOK bool
	)
	if c.persist != nil {
		g, err := c.persist.Generation(ctx, token)
		if err != nil {
			c.persistError("generation", token, err)
		} else {
			gen, genOK = g, true
		}
		if genOK && f.restore {
			rec, ok, err := c.persist.Load(ctx, token)
			switch {
			case err != nil:
				c.persistError("load", token, err)
			case ok && c.restoreRecord(e, f, rec, q):
				return
			}
		}
	}

	v, attempts, err := retry.Do(ctx, q.retry, c.attempt(e, fn), func(attempt int, err error, next time.Duration) {
		c.hooks.FetchRetry(token, attempt, err)
		c.log.Debug("fetch retry", Fields{"key": token, "attempt": attempt, "next": next.String(), "err": err})
	})
	applied, at := c.settle(e, f, v, attempts, err)
	if applied && genOK {
		if _, err := c.persist.Save(context.WithoutCancel(ctx), token, v, at, gen); err != nil {
			c.persistError("save", token, err)
		}
	}
}

// attempt wraps fn with a span per call and turns panics into errors.
func (c *Client[V]) attempt(e *entry[V], fn FetchFunc[V]) func(context.Context) (V, error) {
	key := e.key
	hash := strconv.FormatUint(e.id.Hash(), 16)
	n := 0
	return func(ctx context.Context) (v V, err error) {
		n++
		ctx, span := c.tracer.Start(ctx, "querycache.fetch", trace.WithAttributes(
			attribute.String("querycache.key_hash", hash),
			attribute.Int("querycache.attempt", n),
		))
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("querycache: fetch function panicked: %v", r)
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
		return fn(ctx, key)
	}
}

// settle applies a finished fetch to e. The result is dropped when the
// fetch was cancelled or when any write moved the version since dispatch.
func (c *Client[V]) settle(e *entry[V], f *fetch[V], v V, attempts int, err error) (applied bool, at time.Time) {
	token := e.id.Token()
	c.mu.Lock()
	if f.settled {
		c.mu.Unlock()
		c.hooks.FetchDiscarded(token, "cancelled")
		c.log.Debug("fetch result dropped", Fields{"key": token, "reason": "cancelled"})
		return false, at
	}
	f.settled = true
	if e.inFlight == f {
		e.inFlight = nil
	}
	if err != nil {
		err = &FetchError{Key: token, Attempts: attempts, Err: err}
	}
	f.val, f.err = v, err

	superseded := e.version != f.version
	switch {
	case superseded:
		// waiters see what the cache holds, not the dropped result
		switch {
		case e.hasData:
			f.val, f.err = e.data, nil
		case e.err != nil:
			f.err = e.err
		}
		if e.inFlight == nil {
			e.status = restingStatus(e)
		}
	case err == nil:
		at = c.now()
		e.data, e.hasData, e.err = v, true, nil
		e.status = StatusSuccess
		e.updatedAt = at
		e.invalidated = false
		e.failureCount = 0
		e.version++
		applied = true
	default:
		e.err = err
		e.status = StatusError
		e.errorUpdatedAt = c.now()
		e.failureCount += attempts
		e.version++
	}
	c.notifyLocked(e)
	close(f.done)
	c.armGCLocked(e)
	c.mu.Unlock()

	switch {
	case superseded:
		c.hooks.FetchDiscarded(token, "superseded")
		c.log.Debug("fetch result dropped", Fields{"key": token, "reason": "superseded", "dispatched": f.version})
	case err != nil:
		c.log.Warn("fetch failed", Fields{"key": token, "attempts": attempts, "err": err})
	}
	return applied, at
}

// restoreRecord shows a persisted record while the fetch is pending. When
// the record is still fresh the fetch settles with it and true is returned.
func (c *Client[V]) restoreRecord(e *entry[V], f *fetch[V], rec persist.Record[V], q queryOptions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.settled || e.version != f.version || e.hasData {
		return false
	}
	e.data, e.hasData = rec.Value, true
	e.updatedAt = rec.UpdatedAt
	e.invalidated = false
	e.version++
	// our own write; the network result may still land on top of it
	f.version = e.version
	c.log.Debug("restored persisted record", Fields{"key": e.id.Token(), "updatedAt": rec.UpdatedAt})

	if c.isStaleLocked(e, &q.staleTime) {
		c.notifyLocked(e)
		return false
	}
	f.settled = true
	f.val = rec.Value
	e.inFlight = nil
	e.err = nil
	e.status = StatusSuccess
	c.notifyLocked(e)
	close(f.done)
	c.armGCLocked(e)
	return true
}

// cancelLocked detaches the in-flight fetch of e and settles its waiters
// with reason. The fetch function keeps its (cancelled) context; whatever it
// returns is dropped.
func (c *Client[V]) cancelLocked(e *entry[V], reason error) bool {
	f := e.inFlight
	if f == nil {
		return false
	}
	f.cancel()
	f.settled = true
	f.err = reason
	e.inFlight = nil
	e.status = restingStatus(e)
	close(f.done)
	c.notifyLocked(e)
	c.armGCLocked(e)
	return true
}

func (c *Client[V]) wait(ctx context.Context, f *fetch[V]) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// FetchQuery returns the data of key, fetching it unless the cached data is
// fresh under the effective staleTime. Concurrent calls for one key share a
// single fetch. With the default staleTime of 0 every call that does not
// join an in-flight fetch goes to the source.
func (c *Client[V]) FetchQuery(ctx context.Context, key Key, fn FetchFunc[V], opts ...QueryOption) (V, error) {
	var zero V
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return zero, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	e := c.getLocked(id)
	fn = c.fetchFnLocked(e, fn)
	if fn == nil {
		c.mu.Unlock()
		return zero, ErrNoFetchFunc
	}
	q := c.resolveLocked(id, opts)
	if e == nil {
		e = c.getOrCreateLocked(id, key)
	}
	c.raiseGCLocked(e, q.gcTime)
	f, hit := c.ensureLocked(e, fn, q, &q.staleTime)
	if hit {
		v := e.data
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()
	return c.wait(ctx, f)
}

// PrefetchQuery warms key. Errors land on the entry only.
func (c *Client[V]) PrefetchQuery(ctx context.Context, key Key, fn FetchFunc[V], opts ...QueryOption) {
	_, _ = c.FetchQuery(ctx, key, fn, opts...)
}

// EnsureQueryData returns cached data when there is any, stale or not, and
// fetches otherwise.
func (c *Client[V]) EnsureQueryData(ctx context.Context, key Key, fn FetchFunc[V], opts ...QueryOption) (V, error) {
	if v, ok := c.GetQueryData(key); ok {
		return v, nil
	}
	return c.FetchQuery(ctx, key, fn, opts...)
}
