package querycache

import (
	"math"
	"time"
)

// Infinite disables staleness when used as a staleTime and collection when
// used as a gcTime.
const Infinite time.Duration = math.MaxInt64

const (
	defaultGCTime   = 5 * time.Minute
	defaultTracerID = "github.com/unkn0wn-root/querycache"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
