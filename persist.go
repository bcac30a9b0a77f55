package querycache

import (
	"context"
	"time"
)

func (c *Client[V]) persistError(op, token string, err error) {
	c.hooks.PersistError(op, token, err)
	c.log.Warn("persist failed", Fields{"op": op, "key": token, "err": err})
}

func (c *Client[V]) persistInvalidate(ctx context.Context, token string) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Invalidate(ctx, token); err != nil {
		c.persistError("invalidate", token, err)
	}
}

func (c *Client[V]) persistRemove(ctx context.Context, token string) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Remove(ctx, token); err != nil {
		c.persistError("remove", token, err)
	}
}

// persistWrite saves a SetQueryData value written to e at version in the
// background. The generation is read before the version check, so an
// invalidation that lands after the check leaves the record outdated.
// Optimistic writes never reach it.
func (c *Client[V]) persistWrite(e *entry[V], version uint64, v V, at time.Time) {
	if c.persist == nil {
		return
	}
	token := e.id.Token()
	c.background(func(ctx context.Context) {
		gen, err := c.persist.Generation(ctx, token)
		if err != nil {
			c.persistError("generation", token, err)
			return
		}
		c.mu.Lock()
		current := c.entries[token] == e && e.version == version
		c.mu.Unlock()
		if !current {
			c.log.Debug("persist skipped", Fields{"key": token, "version": version})
			return
		}
		if _, err := c.persist.Save(ctx, token, v, at, gen); err != nil {
			c.persistError("save", token, err)
		}
	})
}

// background runs f on a goroutine that Close waits for.
func (c *Client[V]) background(f func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		f(context.WithoutCancel(c.ctx))
	}()
}
