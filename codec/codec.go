// Package codec converts query data to and from the bytes the persistence
// tier stores. A decode error is not fatal: persist drops the record and
// the query is fetched again, so codecs may be strict about what they
// accept.
package codec

import "github.com/cockroachdb/errors"

// Codec encodes values of V for storage. Implementations must be safe for
// concurrent use.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	// Name identifies the codec in logs and errors.
	Name() string
}

// ErrTooLarge is returned by Limit for payloads over its bounds.
var ErrTooLarge = errors.New("codec: payload too large")
