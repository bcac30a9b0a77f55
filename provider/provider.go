// Package provider defines the byte store behind the persistence tier.
//
// A provider only ever sees framed records written by package persist under
// "qc:<namespace>:<token>". It must hand back exactly the bytes it was given;
// persist validates every record on read and deletes anything it cannot
// parse, so a provider that transforms values must fully reverse the
// transform. Other writers must stay out of that keyspace.
//
// Implementations live in the subpackages: bigcache and ristretto keep
// records in process; redis, sqlite, postgres and s3 let them outlive it.
package provider

import (
	"context"
	"time"
)

// Provider is a byte store with TTLs. It must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on a hit and (nil, false, nil) on a
	// miss or an expired record. Transport and IO failures are errors.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl (<= 0: no expiry where supported). cost is a
	// sizing hint for cost-aware stores. ok=false reports a write the store
	// refused under pressure; persist treats it as a miss, not an error.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes key. A missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
