package querycache

import (
	"slices"
	"time"

	"github.com/unkn0wn-root/querycache/keys"
)

type entry[V any] struct {
	id  keys.Key
	key Key // segments as first supplied, passed to fetch functions

	data           V
	hasData        bool
	err            error
	status         Status
	updatedAt      time.Time
	errorUpdatedAt time.Time
	invalidated    bool
	failureCount   int
	version        uint64

	observers []*observer[V]
	gcTimer   *time.Timer
	gcSeq     uint64
	gcTime    time.Duration
	gcReset   bool // next raiseGCLocked replaces gcTime
	inFlight  *fetch[V]

	// last fetch function and options, reused by invalidation refetches
	fetchFn FetchFunc[V]
	lastOpt queryOptions
}

func (e *entry[V]) unreferenced() bool {
	return len(e.observers) == 0 && e.inFlight == nil
}

// snapshot is the rollback capture of an entry.
type snapshot[V any] struct {
	data           V
	hasData        bool
	err            error
	status         Status
	updatedAt      time.Time
	errorUpdatedAt time.Time
	invalidated    bool
	failureCount   int
}

func (e *entry[V]) capture() snapshot[V] {
	return snapshot[V]{
		data:           e.data,
		hasData:        e.hasData,
		err:            e.err,
		status:         e.status,
		updatedAt:      e.updatedAt,
		errorUpdatedAt: e.errorUpdatedAt,
		invalidated:    e.invalidated,
		failureCount:   e.failureCount,
	}
}

func (e *entry[V]) restore(s snapshot[V]) {
	e.data = s.data
	e.hasData = s.hasData
	e.err = s.err
	e.status = s.status
	e.updatedAt = s.updatedAt
	e.errorUpdatedAt = s.errorUpdatedAt
	e.invalidated = s.invalidated
	e.failureCount = s.failureCount
	if e.inFlight != nil {
		e.status = StatusPending
	}
}

// getLocked returns the live entry for id, if any.
func (c *Client[V]) getLocked(id keys.Key) *entry[V] {
	return c.entries[id.Token()]
}

func (c *Client[V]) getOrCreateLocked(id keys.Key, key Key) *entry[V] {
	if e, ok := c.entries[id.Token()]; ok {
		return e
	}
	e := &entry[V]{id: id, key: slices.Clone(key), gcTime: c.gcTime, gcReset: true}
	c.entries[id.Token()] = e
	return e
}

func (c *Client[V]) deleteLocked(e *entry[V]) {
	c.stopGCLocked(e)
	if c.entries[e.id.Token()] == e {
		delete(c.entries, e.id.Token())
	}
}

// writeDataLocked stores v as fresh data. It covers SetQueryData and
// optimistic writes; fetch completions go through settle.
func (c *Client[V]) writeDataLocked(e *entry[V], v V) {
	e.data = v
	e.hasData = true
	e.err = nil
	e.updatedAt = c.now()
	e.invalidated = false
	if e.inFlight == nil {
		e.status = StatusSuccess
	}
	e.version++
	c.notifyLocked(e)
	c.armGCLocked(e)
}

// staleTimeLocked is the smallest staleTime among observers with a policy
// and the caller's own, or the client default when there is neither.
func (c *Client[V]) staleTimeLocked(e *entry[V], caller *time.Duration) time.Duration {
	st, ok := time.Duration(0), false
	if caller != nil {
		st, ok = *caller, true
	}
	for _, o := range e.observers {
		if !o.policy || !o.opts.enabled {
			continue
		}
		if !ok || o.opts.staleTime < st {
			st, ok = o.opts.staleTime, true
		}
	}
	if !ok {
		return c.opts.StaleTime
	}
	return st
}

func (c *Client[V]) isStaleLocked(e *entry[V], caller *time.Duration) bool {
	if e.invalidated || !e.hasData || e.updatedAt.IsZero() {
		return true
	}
	st := c.staleTimeLocked(e, caller)
	if st == Infinite {
		return false
	}
	return c.now().Sub(e.updatedAt) >= st
}

func (c *Client[V]) entryLocked(e *entry[V]) Entry[V] {
	return Entry[V]{
		Key:            slices.Clone(e.key),
		Token:          e.id.Token(),
		Data:           e.data,
		HasData:        e.hasData,
		Err:            e.err,
		Status:         e.status,
		UpdatedAt:      e.updatedAt,
		ErrorUpdatedAt: e.errorUpdatedAt,
		Invalidated:    e.invalidated,
		Stale:          c.isStaleLocked(e, nil),
		Version:        e.version,
		FailureCount:   e.failureCount,
		Observers:      len(e.observers),
		IsFetching:     e.inFlight != nil,
	}
}

// matchLocked returns the entries selected by f in token order.
func (c *Client[V]) matchLocked(f QueryFilter[V]) ([]*entry[V], error) {
	var prefix keys.Key
	if len(f.Key) > 0 {
		id, err := keys.Canonicalize(f.Key...)
		if err != nil {
			return nil, err
		}
		prefix = id
	}
	tokens := make([]string, 0, len(c.entries))
	for t := range c.entries {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)

	out := make([]*entry[V], 0)
	for _, t := range tokens {
		e := c.entries[t]
		if len(f.Key) > 0 && !keys.Match(e.id, prefix, f.Exact) {
			continue
		}
		switch f.Type {
		case FilterActive:
			if len(e.observers) == 0 {
				continue
			}
		case FilterInactive:
			if len(e.observers) > 0 {
				continue
			}
		}
		if f.Predicate != nil && !f.Predicate(c.entryLocked(e)) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// restingStatus is the status an entry falls back to when no fetch is running.
func restingStatus[V any](e *entry[V]) Status {
	switch {
	case e.err != nil:
		return StatusError
	case e.hasData:
		return StatusSuccess
	default:
		return StatusIdle
	}
}
