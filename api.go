package querycache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/querycache/config"
	"github.com/unkn0wn-root/querycache/persist"
)

// Key identifies a query: an ordered list of strings, numbers, bools, nil,
// maps, structs and slices. Map field order never matters and a struct equals
// a map with the same JSON fields.
//
//	querycache.Key{"events", map[string]any{"page": 2}}
type Key []any

// FetchFunc loads the data of key. It must honour ctx cancellation where the
// underlying I/O allows it.
type FetchFunc[V any] func(ctx context.Context, key Key) (V, error)

// Listener receives a snapshot after every change of an observed entry.
// Listeners run on a single notification goroutine in write order.
type Listener[V any] func(Entry[V])

type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is an immutable snapshot of a cache entry.
type Entry[V any] struct {
	Key     Key
	Token   string
	Data    V
	HasData bool
	// Err is the last *FetchError; kept after a later success only until
	// the next write clears it.
	Err            error
	Status         Status
	UpdatedAt      time.Time
	ErrorUpdatedAt time.Time
	Invalidated    bool
	// Stale reports staleness under the effective staleTime at snapshot time.
	Stale        bool
	Version      uint64
	FailureCount int
	Observers    int
	IsFetching   bool
}

// RefetchType selects which invalidated entries are refetched right away.
type RefetchType string

const (
	RefetchActive   RefetchType = "active" // entries with observers (default)
	RefetchInactive RefetchType = "inactive"
	RefetchAll      RefetchType = "all"
	RefetchNone     RefetchType = "none"
)

// FilterType narrows a QueryFilter by observer presence.
type FilterType int

const (
	FilterAll FilterType = iota
	FilterActive
	FilterInactive
)

// QueryFilter selects entries. An empty Key matches every entry; otherwise
// entries whose key has Key as a structural prefix (or equals it, with Exact).
type QueryFilter[V any] struct {
	Key   Key
	Exact bool
	Type  FilterType
	// Predicate runs under the client lock and must not call the client.
	Predicate func(Entry[V]) bool
}

// Options configure a Client. The zero value is usable.
type Options[V any] struct {
	StaleTime time.Duration // 0 => data is stale as soon as it lands
	GCTime    time.Duration // 0 => 5m; Infinite keeps unobserved entries
	// Retry is the number of retries after a failed attempt.
	// 0 => 3, negative disables retries.
	Retry         int
	RetryFunc     func(failures int, err error) bool // overrides Retry
	RetryDelay    time.Duration                      // 0 => 1s
	RetryMaxDelay time.Duration                      // 0 => 30s
	RefetchType   RefetchType                        // invalidation default; "" => active

	// FetchFunc is used when a call passes a nil fetch function.
	FetchFunc FetchFunc[V]

	// Persist adds a second tier that outlives GC and restarts. Prefix and
	// predicate invalidation only reach keys live in memory; a record of a
	// collected entry lives until its provider TTL unless an exact-key
	// invalidation names it.
	Persist *persist.Store[V]

	Logger Logger           // nil => NopLogger
	Hooks  Hooks            // nil => NopHooks
	Tracer trace.Tracer     // nil => noop
	Now    func() time.Time // nil => time.Now
}

// ApplyConfig copies the client section of a config file into o.
// Fields already set in o win.
func (o *Options[V]) ApplyConfig(c config.Client) {
	if c.StaleTime != nil && o.StaleTime == 0 {
		o.StaleTime = c.StaleTime.Std()
	}
	if c.GCTime != nil && o.GCTime == 0 {
		o.GCTime = c.GCTime.Std()
	}
	if c.Retry != nil && o.Retry == 0 {
		o.Retry = *c.Retry
		if o.Retry == 0 {
			o.Retry = -1
		}
	}
	if c.RetryDelay != nil && o.RetryDelay == 0 {
		o.RetryDelay = c.RetryDelay.Std()
	}
	if c.RetryMaxDelay != nil && o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = c.RetryMaxDelay.Std()
	}
	if c.RefetchType != "" && o.RefetchType == "" {
		o.RefetchType = RefetchType(c.RefetchType)
	}
}
