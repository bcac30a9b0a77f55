// Package keys canonicalizes structured query keys into stable tokens.
//
// A query key is an ordered list of segments: strings, numbers, bools, nil,
// maps, structs and slices. Each segment is normalized through a
// deterministic CBOR round-trip so that structs and maps with the same fields
// produce the same value and map insertion order never matters. The token is
// the JSON text of the normalized segments:
//
//	["events",{"page":2}]
//
// Tokens identify cache entries. Prefix matching (IsDescendant) works on the
// normalized segments and treats object segments as structural subsets, so
// the prefix ["events",{"status":"open"}] matches
// ["events",{"page":2,"status":"open"}].
package keys

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidKey is returned when a segment cannot be canonicalized.
var ErrInvalidKey = errors.New("querycache: invalid query key")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Key is a canonicalized query key. The zero value is the empty key,
// which is a prefix of every key.
type Key struct {
	token string
	segs  []any
	hash  uint64
}

// Canonicalize normalizes segments into a Key.
func Canonicalize(segments ...any) (Key, error) {
	segs := make([]any, len(segments))
	for i, s := range segments {
		n, err := normalize(s)
		if err != nil {
			return Key{}, errors.WithSecondaryError(errors.Wrapf(ErrInvalidKey, "segment %d (%T)", i, s), err)
		}
		segs[i] = n
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return Key{}, errors.WithSecondaryError(errors.Wrap(ErrInvalidKey, "encode token"), err)
	}
	tok := string(b)
	return Key{token: tok, segs: segs, hash: xxhash.Sum64String(tok)}, nil
}

// Must is like Canonicalize but panics on error. Handy for package-level
// variables and tests.
func Must(segments ...any) Key {
	k, err := Canonicalize(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// Token returns the canonical token.
func (k Key) Token() string {
	if k.token == "" {
		return "[]"
	}
	return k.token
}

func (k Key) String() string { return k.Token() }

// Hash is the xxhash64 of the token.
func (k Key) Hash() uint64 {
	if k.token == "" {
		return xxhash.Sum64String("[]")
	}
	return k.hash
}

// Len returns the number of segments.
func (k Key) Len() int { return len(k.segs) }

// Segments returns the normalized segments. Callers must not modify them.
func (k Key) Segments() []any { return k.segs }

// Equal reports whether both keys have the same token.
func (k Key) Equal(o Key) bool { return k.Token() == o.Token() }

// IsDescendant reports whether prefix is a structural prefix of k.
// Every key is a descendant of itself and of the empty key.
func (k Key) IsDescendant(prefix Key) bool {
	if len(prefix.segs) > len(k.segs) {
		return false
	}
	for i, p := range prefix.segs {
		if !partialMatch(k.segs[i], p) {
			return false
		}
	}
	return true
}

// Match reports whether k is selected by prefix. With exact set, only an
// identical token matches.
func Match(k, prefix Key, exact bool) bool {
	if exact {
		return k.Equal(prefix)
	}
	return k.IsDescendant(prefix)
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, errors.Newf("unsupported kind %s", reflect.TypeOf(v).Kind())
	}
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := decMode.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return numbers(out), nil
}

// numbers folds every integral number into int64 so that 2, uint(2) and
// 2.0 compare equal. Values outside the int64 range keep their CBOR type.
func numbers(v any) any {
	switch t := v.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	case float64:
		if t == math.Trunc(t) && t >= -(1<<53) && t <= 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = numbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbers(e)
		}
		return t
	default:
		return v
	}
}

// partialMatch reports whether b is a structural subset of a.
func partialMatch(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			return false
		}
		for k, want := range bv {
			got, ok := av[k]
			if !ok || !partialMatch(got, want) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(bv) > len(av) {
			return false
		}
		for i := range bv {
			if !partialMatch(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
