package querycache

import (
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache/keys"
)

type observer[V any] struct {
	listener Listener[V]
	// policy observers take part in staleTime aggregation and fetch
	policy  bool
	opts    queryOptions
	fetchFn FetchFunc[V]
	stop    chan struct{}
}

// Subscribe registers l for every change of key without fetching. The
// subscription holds the entry alive; call the returned function (any
// number of times) to release it.
func (c *Client[V]) Subscribe(key Key, l Listener[V]) (func(), error) {
	return c.subscribe(key, &observer[V]{listener: l}, nil)
}

// Observe registers an observer with a fetch policy and makes sure key is
// fresh under it: cached data is served as is, stale data is revalidated in
// the background and a missing entry is fetched. Fetch errors are delivered
// through l. l may be nil.
func (c *Client[V]) Observe(key Key, fn FetchFunc[V], l Listener[V], opts ...QueryOption) (func(), error) {
	return c.subscribe(key, &observer[V]{listener: l, policy: true, fetchFn: fn}, opts)
}

func (c *Client[V]) subscribe(key Key, o *observer[V], opts []QueryOption) (func(), error) {
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e := c.getLocked(id)
	if o.policy {
		o.opts = c.resolveLocked(id, opts)
		o.fetchFn = c.fetchFnLocked(e, o.fetchFn)
		if o.fetchFn == nil && o.opts.enabled {
			return nil, ErrNoFetchFunc
		}
	}
	if e == nil {
		e = c.getOrCreateLocked(id, key)
	}
	if o.policy {
		c.raiseGCLocked(e, o.opts.gcTime)
	}
	e.observers = append(e.observers, o)
	c.stopGCLocked(e)

	if o.policy && o.opts.enabled {
		c.ensureLocked(e, o.fetchFn, o.opts, nil)
		if o.opts.refetchInterval > 0 {
			o.stop = make(chan struct{})
			c.wg.Add(1)
			go c.poll(e, o, o.stop)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribe(e, o) }) }, nil
}

func (c *Client[V]) unsubscribe(e *entry[V], o *observer[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(e.observers, o); i >= 0 {
		e.observers = slices.Delete(e.observers, i, i+1)
	}
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	c.armGCLocked(e)
}

// poll refetches e every refetchInterval while o is subscribed, skipping
// ticks that find a fetch already running.
func (c *Client[V]) poll(e *entry[V], o *observer[V], stop <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(o.opts.refetchInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			if !c.closed && c.entries[e.id.Token()] == e && e.inFlight == nil {
				c.dispatchLocked(e, o.fetchFn, o.opts)
			}
			c.mu.Unlock()
		}
	}
}

// hasGCTimer reports whether key has a pending collection timer.
func (c *Client[V]) hasGCTimer(key Key) bool {
	id, err := keys.Canonicalize(key...)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getLocked(id)
	return e != nil && e.gcTimer != nil
}
