package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/unkn0wn-root/querycache/keys"
	"github.com/unkn0wn-root/querycache/persist"
)

// Client is a query cache for values of type V. Create one with New, share
// it by reference and Close it when done.
type Client[V any] struct {
	opts        Options[V]
	log         Logger
	hooks       Hooks
	tracer      trace.Tracer
	now         func() time.Time
	gcTime      time.Duration
	refetchType RefetchType
	persist     *persist.Store[V]

	// parent of every fetch context; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry[V]
	defaults []queryDefaults
	closed   bool

	notifier *notifier
	wg       sync.WaitGroup
	mutating atomic.Int64
}

func New[V any](opts Options[V]) (*Client[V], error) {
	switch opts.RefetchType {
	case "", RefetchActive, RefetchInactive, RefetchAll, RefetchNone:
	default:
		return nil, errors.Newf("querycache: unknown refetch type %q", opts.RefetchType)
	}
	if opts.StaleTime < 0 || opts.GCTime < 0 {
		return nil, errors.New("querycache: negative staleTime or gcTime")
	}

	c := &Client[V]{
		opts:        opts,
		entries:     make(map[string]*entry[V]),
		persist:     opts.Persist,
		notifier:    newNotifier(),
		log:         coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		gcTime:      coalesce(opts.GCTime, defaultGCTime),
		refetchType: coalesce(opts.RefetchType, RefetchActive),
	}
	c.now = opts.Now
	if c.now == nil {
		c.now = time.Now
	}
	c.tracer = opts.Tracer
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer(defaultTracerID)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.persist != nil {
		c.persist.Listen(
			func(token, reason string) {
				c.hooks.PersistSelfHeal(token, reason)
				c.log.Debug("persisted record dropped", Fields{"key": token, "reason": reason})
			},
			func(token string) {
				c.log.Debug("persist write rejected by provider", Fields{"key": token})
			},
		)
	}
	return c, nil
}

// Close cancels every in-flight fetch (waiters get ErrClosed), stops GC
// timers and pollers, drains pending notifications and closes the
// persistence tier. Background work still running when ctx ends is
// abandoned and ctx's error returned.
func (c *Client[V]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		c.cancelLocked(e, ErrClosed)
		c.stopGCLocked(e)
		for _, o := range e.observers {
			if o.stop != nil {
				close(o.stop)
				o.stop = nil
			}
		}
	}
	c.mu.Unlock()
	c.cancel()

	var err error
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.notifier.close()
	if c.persist != nil {
		err = errors.CombineErrors(err, c.persist.Close(ctx))
	}
	return err
}

// GetQueryData returns the cached data of key without fetching.
func (c *Client[V]) GetQueryData(key Key) (V, bool) {
	var zero V
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getLocked(id)
	if e == nil || !e.hasData {
		return zero, false
	}
	return e.data, true
}

// GetQueryState returns a snapshot of the entry of key.
func (c *Client[V]) GetQueryState(key Key) (Entry[V], bool) {
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return Entry[V]{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getLocked(id)
	if e == nil {
		return Entry[V]{}, false
	}
	return c.entryLocked(e), true
}

// SetQueryData seeds key with v as fresh data. A fetch in flight for key
// keeps running but its result is dropped.
func (c *Client[V]) SetQueryData(key Key, v V) error {
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.getOrCreateLocked(id, key)
	c.writeDataLocked(e, v)
	at, ver := e.updatedAt, e.version
	c.mu.Unlock()

	c.persistWrite(e, ver, v, at)
	return nil
}

// SetQueryDataFunc replaces the data of key with update(old, ok). update
// runs without the client lock and is called again if key changed meanwhile.
func (c *Client[V]) SetQueryDataFunc(key Key, update func(old V, ok bool) V) error {
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return err
	}
	var (
		v       V
		at      time.Time
		written *entry[V]
		ver     uint64
	)
	err = c.cas(id, key, func(old V, ok bool) (V, bool) { return update(old, ok), true },
		func(e *entry[V], next V) {
			c.writeDataLocked(e, next)
			v, at = next, e.updatedAt
			written, ver = e, e.version
		})
	if err != nil {
		return err
	}
	c.persistWrite(written, ver, v, at)
	return nil
}

// cas reads the data of id, computes next outside the lock and
// applies it with write iff the entry did not change in between.
// compute returning false skips the write.
func (c *Client[V]) cas(id keys.Key, key Key, compute func(V, bool) (V, bool), write func(*entry[V], V)) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		e := c.getLocked(id)
		var (
			cur V
			ok  bool
			ver uint64
		)
		if e != nil {
			cur, ok, ver = e.data, e.hasData, e.version
		}
		c.mu.Unlock()

		next, apply := compute(cur, ok)

		c.mu.Lock()
		now := c.getLocked(id)
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if now != e || (now != nil && now.version != ver) {
			c.mu.Unlock()
			continue
		}
		if apply {
			if now == nil {
				now = c.getOrCreateLocked(id, key)
			}
			write(now, next)
		}
		c.mu.Unlock()
		return nil
	}
}

// IsMutating counts mutations that have not settled.
func (c *Client[V]) IsMutating() int { return int(c.mutating.Load()) }
