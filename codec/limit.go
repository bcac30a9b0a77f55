package codec

import (
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Limit bounds the payloads of another codec. MaxEncode keeps oversized
// query data out of the provider; MaxDecode guards against what a shared
// provider (Redis, an SQLite file) may hold. Zero disables a bound.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

func (c Limit[V]) Name() string { return "limit(" + c.Inner.Name() + ")" }

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, errors.Wrapf(ErrTooLarge, "encode %s over %s", size(len(b)), size(c.MaxEncode))
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, errors.Wrapf(ErrTooLarge, "decode %s over %s", size(len(b)), size(c.MaxDecode))
	}
	return c.Inner.Decode(b)
}

func size(n int) string { return humanize.IBytes(uint64(n)) }
