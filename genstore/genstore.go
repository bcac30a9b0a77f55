// Package genstore tracks a generation counter per query token.
//
// The persistence tier stamps every saved record with the generation it
// observed when the fetch was dispatched. Invalidation bumps the counter, so
// a save that raced an invalidation is refused and a record written before
// one is treated as a miss. Local keeps counters in-process; Redis shares
// them so an invalidation in one process reaches every other.
package genstore

import (
	"context"
	"time"
)

type GenStore interface {
	// Current returns the generation of token; missing => 0.
	Current(ctx context.Context, token string) (uint64, error)
	// CurrentMany is Current for several tokens. Missing tokens map to 0.
	CurrentMany(ctx context.Context, tokens []string) (map[string]uint64, error)
	// Bump atomically increments the generation and returns the new value.
	Bump(ctx context.Context, token string) (uint64, error)
	// Prune drops counters untouched for longer than retention. No-op where
	// the backend expires keys on its own.
	Prune(retention time.Duration)
	Close(context.Context) error
}
