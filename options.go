package querycache

import (
	"time"

	"github.com/unkn0wn-root/querycache/config"
	"github.com/unkn0wn-root/querycache/internal/retry"
	"github.com/unkn0wn-root/querycache/keys"
)

type queryOptions struct {
	staleTime       time.Duration
	gcTime          time.Duration
	retry           retry.Policy
	refetchInterval time.Duration
	enabled         bool
}

// QueryOption tunes a single fetch or observer.
type QueryOption func(*queryOptions)

// WithStaleTime sets how long fetched data is served without revalidation.
func WithStaleTime(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.staleTime = d }
}

// WithGCTime sets how long the entry is kept once unobserved. Among the
// observers and fetches that referenced the entry since it was last left
// unreferenced, the largest gcTime wins.
func WithGCTime(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.gcTime = d }
}

// WithRetry sets the number of retries after a failed attempt; 0 disables.
func WithRetry(n int) QueryOption {
	return func(o *queryOptions) {
		o.retry.Retries = max(n, 0)
		o.retry.ShouldRetry = nil
	}
}

// WithRetryFunc decides after every failure whether to try again.
func WithRetryFunc(f func(failures int, err error) bool) QueryOption {
	return func(o *queryOptions) { o.retry.ShouldRetry = f }
}

// WithRetryDelay bounds the exponential backoff between attempts.
func WithRetryDelay(initial, maxDelay time.Duration) QueryOption {
	return func(o *queryOptions) {
		o.retry.InitialDelay = initial
		o.retry.MaxDelay = maxDelay
	}
}

// WithRefetchInterval refetches while the observer stays subscribed.
// Only meaningful for Observe.
func WithRefetchInterval(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.refetchInterval = d }
}

// WithEnabled(false) registers an observer without fetching.
func WithEnabled(enabled bool) QueryOption {
	return func(o *queryOptions) { o.enabled = enabled }
}

type queryDefaults struct {
	prefix keys.Key
	opts   []QueryOption
}

func (c *Client[V]) baseQueryOptions() queryOptions {
	p := retry.Policy{
		Retries:      retry.DefaultRetries,
		ShouldRetry:  c.opts.RetryFunc,
		InitialDelay: coalesce(c.opts.RetryDelay, retry.DefaultInitialDelay),
		MaxDelay:     coalesce(c.opts.RetryMaxDelay, retry.DefaultMaxDelay),
	}
	switch {
	case c.opts.Retry < 0:
		p.Retries = 0
	case c.opts.Retry > 0:
		p.Retries = c.opts.Retry
	}
	return queryOptions{
		staleTime: c.opts.StaleTime,
		gcTime:    c.gcTime,
		retry:     p,
		enabled:   true,
	}
}

// resolveLocked layers client defaults, every matching SetQueryDefaults
// registration in order, then the call's own options.
func (c *Client[V]) resolveLocked(id keys.Key, opts []QueryOption) queryOptions {
	q := c.baseQueryOptions()
	for _, d := range c.defaults {
		if id.IsDescendant(d.prefix) {
			for _, o := range d.opts {
				o(&q)
			}
		}
	}
	for _, o := range opts {
		if o != nil {
			o(&q)
		}
	}
	return q
}

// SetQueryDefaults registers options applied to every query under prefix.
// Later registrations override earlier ones; call options override both.
func (c *Client[V]) SetQueryDefaults(prefix Key, opts ...QueryOption) error {
	id, err := keys.Canonicalize(prefix...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.defaults = append(c.defaults, queryDefaults{prefix: id, opts: opts})
	return nil
}

// LoadQueryDefaults registers the queries section of a config file.
func (c *Client[V]) LoadQueryDefaults(f *config.File) error {
	for _, q := range f.Queries {
		var opts []QueryOption
		if q.StaleTime != nil {
			opts = append(opts, WithStaleTime(q.StaleTime.Std()))
		}
		if q.GCTime != nil {
			opts = append(opts, WithGCTime(q.GCTime.Std()))
		}
		if q.Retry != nil {
			opts = append(opts, WithRetry(*q.Retry))
		}
		if q.RetryDelay != nil || q.RetryMaxDelay != nil {
			initial, maxDelay := retry.DefaultInitialDelay, retry.DefaultMaxDelay
			if q.RetryDelay != nil {
				initial = q.RetryDelay.Std()
			}
			if q.RetryMaxDelay != nil {
				maxDelay = q.RetryMaxDelay.Std()
			}
			opts = append(opts, WithRetryDelay(initial, maxDelay))
		}
		if err := c.SetQueryDefaults(Key(q.Key), opts...); err != nil {
			return err
		}
	}
	return nil
}
