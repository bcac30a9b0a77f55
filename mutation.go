package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/querycache/keys"
)

// MutationFunc performs a remote write.
type MutationFunc[Vars, R any] func(ctx context.Context, vars Vars) (R, error)

// MutationHooks drive the optimistic update protocol. All fields are optional.
type MutationHooks[V, Vars, R any] struct {
	// AffectedKeys lists the queries the mutation touches. In-flight fetches
	// under each key (prefix match) are cancelled before OnMutate runs, and
	// all of them are invalidated once the mutation settles.
	AffectedKeys func(vars Vars) []Key
	// OnMutate computes the optimistic value of one affected key from its
	// current data. Returning false leaves the key untouched.
	OnMutate  func(key Key, current V, ok bool, vars Vars) (V, bool)
	OnSuccess func(result R, vars Vars)
	// OnError runs after optimistic writes were rolled back.
	OnError   func(err error, vars Vars)
	OnSettled func(result R, err error, vars Vars)
	// RefetchType of the settling invalidation; "" => the client default.
	RefetchType RefetchType
	// AwaitRefetch makes Mutate wait for the settling refetches.
	AwaitRefetch bool
}

type MutationStatus int

const (
	MutationIdle MutationStatus = iota
	MutationPending
	MutationSucceeded
	MutationFailed
)

func (s MutationStatus) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationPending:
		return "pending"
	case MutationSucceeded:
		return "success"
	case MutationFailed:
		return "error"
	default:
		return "unknown"
	}
}

// MutationState describes the last run of a Mutation.
type MutationState[R any] struct {
	ID          string
	Status      MutationStatus
	Result      R
	Err         error
	SubmittedAt time.Time
}

// Mutation binds a mutation function and its hooks to a client. It may be
// run many times; State reports the most recent run.
type Mutation[V, Vars, R any] struct {
	client *Client[V]
	fn     MutationFunc[Vars, R]
	hooks  MutationHooks[V, Vars, R]

	mu    sync.Mutex
	state MutationState[R]
}

func NewMutation[V, Vars, R any](c *Client[V], fn MutationFunc[Vars, R], hooks MutationHooks[V, Vars, R]) *Mutation[V, Vars, R] {
	return &Mutation[V, Vars, R]{client: c, fn: fn, hooks: hooks}
}

// Mutate runs fn once with hooks. See Mutation.Mutate.
func Mutate[V, Vars, R any](ctx context.Context, c *Client[V], fn MutationFunc[Vars, R], vars Vars, hooks MutationHooks[V, Vars, R]) (R, error) {
	return NewMutation(c, fn, hooks).Mutate(ctx, vars)
}

func (m *Mutation[V, Vars, R]) State() MutationState[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation[V, Vars, R]) Reset() {
	m.mu.Lock()
	m.state = MutationState[R]{}
	m.mu.Unlock()
}

func (m *Mutation[V, Vars, R]) setState(s MutationState[R]) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

type rollback[V any] struct {
	e    *entry[V]
	snap snapshot[V]
}

// Mutate applies the optimistic writes, runs the mutation function and then
// either keeps the writes or restores every captured snapshot exactly. In
// both cases the affected keys are invalidated afterwards. A failed mutation
// returns a *MutationError.
func (m *Mutation[V, Vars, R]) Mutate(ctx context.Context, vars Vars) (R, error) {
	var zero R
	c := m.client
	id := uuid.NewString()

	var affected []Key
	if m.hooks.AffectedKeys != nil {
		affected = m.hooks.AffectedKeys(vars)
	}
	ids := make([]keys.Key, len(affected))
	for i, k := range affected {
		kid, err := keys.Canonicalize(k...)
		if err != nil {
			m.setState(MutationState[R]{ID: id, Status: MutationFailed, Err: err, SubmittedAt: c.now()})
			return zero, &MutationError{ID: id, Err: err}
		}
		ids[i] = kid
	}

	m.setState(MutationState[R]{ID: id, Status: MutationPending, SubmittedAt: c.now()})
	c.mutating.Add(1)
	defer c.mutating.Add(-1)

	rbs, err := m.optimistic(ids, affected, vars)
	if err != nil {
		c.rollback(rbs)
		m.setState(MutationState[R]{ID: id, Status: MutationFailed, Err: err, SubmittedAt: c.now()})
		return zero, &MutationError{ID: id, Err: err}
	}

	res, err := m.fn(ctx, vars)
	if err != nil {
		if n := c.rollback(rbs); n > 0 {
			c.hooks.MutationRolledBack(id, n, err)
			c.log.Info("mutation rolled back", Fields{"mutation": id, "keys": n, "err": err})
		}
		if m.hooks.OnError != nil {
			m.hooks.OnError(err, vars)
		}
	} else if m.hooks.OnSuccess != nil {
		m.hooks.OnSuccess(res, vars)
	}
	if m.hooks.OnSettled != nil {
		m.hooks.OnSettled(res, err, vars)
	}

	ierr := m.reconcile(ctx, ids)

	st := MutationState[R]{ID: id, Status: MutationSucceeded, Result: res, SubmittedAt: m.State().SubmittedAt}
	if err != nil {
		st.Status, st.Err = MutationFailed, err
		m.setState(st)
		return res, &MutationError{ID: id, Err: err}
	}
	m.setState(st)
	return res, ierr
}

// optimistic cancels in-flight fetches under every affected key, then
// writes the OnMutate value of each key, capturing what it replaced.
func (m *Mutation[V, Vars, R]) optimistic(ids []keys.Key, affected []Key, vars Vars) ([]rollback[V], error) {
	c := m.client
	var rbs []rollback[V]
	for i, id := range ids {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return rbs, ErrClosed
		}
		for _, e := range c.entries {
			if e.id.IsDescendant(id) {
				c.cancelLocked(e, ErrCancelled)
			}
		}
		c.mu.Unlock()

		if m.hooks.OnMutate == nil {
			continue
		}
		key := affected[i]
		err := c.cas(id, key,
			func(cur V, ok bool) (V, bool) { return m.hooks.OnMutate(key, cur, ok, vars) },
			func(e *entry[V], next V) {
				rbs = append(rbs, rollback[V]{e: e, snap: e.capture()})
				c.writeDataLocked(e, next)
			})
		if err != nil {
			return rbs, err
		}
	}
	return rbs, nil
}

// rollback restores snapshots newest first, each as a new version.
func (c *Client[V]) rollback(rbs []rollback[V]) int {
	if len(rbs) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(rbs) - 1; i >= 0; i-- {
		e := rbs[i].e
		e.restore(rbs[i].snap)
		e.version++
		c.notifyLocked(e)
		c.armGCLocked(e)
	}
	return len(rbs)
}

// reconcile invalidates every affected key once the mutation settled.
func (m *Mutation[V, Vars, R]) reconcile(ctx context.Context, ids []keys.Key) error {
	if len(ids) == 0 {
		return nil
	}
	c := m.client
	io := invalidateOptions{refetch: coalesce(m.hooks.RefetchType, c.refetchType), cancelRefetch: true}
	sel := func() ([]*entry[V], error) {
		var out []*entry[V]
		for _, e := range c.entries {
			for _, id := range ids {
				if e.id.IsDescendant(id) {
					out = append(out, e)
					break
				}
			}
		}
		return out, nil
	}
	err := c.invalidate(ctx, sel, io, m.hooks.AwaitRefetch)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
