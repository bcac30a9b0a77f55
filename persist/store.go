// Package persist is the write-behind second tier of the query cache.
//
// Successful query data is encoded with a codec, framed together with the
// generation observed when its fetch was dispatched, and written to a byte
// provider. A record is only readable while that generation is still current:
// invalidation bumps the generation (locally or through Redis for every
// process) and deletes the record, and a save that raced an invalidation is
// refused.
package persist

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/provider"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultPruneEvery   = time.Hour
	defaultGenRetention = 30 * 24 * time.Hour
)

// Heal reasons passed to Options.OnHeal.
const (
	HealCorrupt     = "corrupt"
	HealGenMismatch = "gen_mismatch"
	HealDecode      = "value_decode"
)

type Options[V any] struct {
	// Required
	Namespace string
	Provider  provider.Provider
	Codec     codec.Codec[V]

	GenStore     genstore.GenStore // nil => genstore.Local with a janitor
	TTL          time.Duration     // 0 => 24h
	PruneEvery   time.Duration     // local generations; 0 => 1h
	GenRetention time.Duration     // local generations; 0 => 30d

	// Cost sizes a record for cost-aware providers; nil => len(raw).
	Cost func(token string, raw []byte) int64
	// OnHeal is told about every record dropped on read.
	OnHeal func(token, reason string)
	// OnRejected is told when the provider refused a write under pressure.
	OnRejected func(token string)
}

// Record is a validated persisted value.
type Record[V any] struct {
	Value     V
	Gen       uint64
	UpdatedAt time.Time
}

type Store[V any] struct {
	ns       string
	provider provider.Provider
	codec    codec.Codec[V]
	gens     genstore.GenStore
	ttl      time.Duration
	cost     func(string, []byte) int64
	onHeal   func(string, string)
	onReject func(string)

	loads singleflight.Group
}

func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Namespace == "" || opts.Provider == nil || opts.Codec == nil {
		return nil, ErrNotConfigured
	}
	s := &Store[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		gens:     opts.GenStore,
		ttl:      coalesce(opts.TTL, defaultTTL),
		cost:     opts.Cost,
		onHeal:   opts.OnHeal,
		onReject: opts.OnRejected,
	}
	if s.gens == nil {
		s.gens = genstore.NewLocal(genstore.LocalConfig{
			PruneEvery: coalesce(opts.PruneEvery, defaultPruneEvery),
			Retention:  coalesce(opts.GenRetention, defaultGenRetention),
		})
	}
	if s.cost == nil {
		s.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	if s.onHeal == nil {
		s.onHeal = func(string, string) {}
	}
	if s.onReject == nil {
		s.onReject = func(string) {}
	}
	return s, nil
}

func (s *Store[V]) storageKey(token string) string { return "qc:" + s.ns + ":" + token }

// Generation is the counter a fetch should observe at dispatch and pass to Save.
func (s *Store[V]) Generation(ctx context.Context, token string) (uint64, error) {
	return s.gens.Current(ctx, token)
}

type loaded[V any] struct {
	rec Record[V]
	ok  bool
}

// Load returns the persisted record for token. Concurrent loads of one token
// share a single provider read. Corrupt, outdated and undecodable records are
// deleted and reported as a miss.
func (s *Store[V]) Load(ctx context.Context, token string) (Record[V], bool, error) {
	v, err, _ := s.loads.Do(token, func() (any, error) {
		rec, ok, err := s.load(ctx, token)
		return loaded[V]{rec: rec, ok: ok}, err
	})
	if err != nil {
		return Record[V]{}, false, err
	}
	l := v.(loaded[V])
	return l.rec, l.ok, nil
}

func (s *Store[V]) load(ctx context.Context, token string) (Record[V], bool, error) {
	k := s.storageKey(token)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil || !ok {
		return Record[V]{}, false, err
	}
	wr, err := wire.DecodeRecord(raw)
	if err != nil {
		s.heal(ctx, token, HealCorrupt)
		return Record[V]{}, false, nil
	}
	cur, err := s.gens.Current(ctx, token)
	if err != nil {
		return Record[V]{}, false, errors.Wrap(err, "persist: read generation")
	}
	if wr.Gen != cur {
		s.heal(ctx, token, HealGenMismatch)
		return Record[V]{}, false, nil
	}
	v, err := s.codec.Decode(wr.Payload)
	if err != nil {
		s.heal(ctx, token, HealDecode)
		return Record[V]{}, false, nil
	}
	return Record[V]{Value: v, Gen: wr.Gen, UpdatedAt: wr.UpdatedAt}, true, nil
}

func (s *Store[V]) heal(ctx context.Context, token, reason string) {
	_ = s.provider.Del(ctx, s.storageKey(token))
	s.onHeal(token, reason)
}

// Save writes value iff the generation of token still equals observedGen.
// saved=false with a nil error means the write lost to an invalidation or
// was rejected by the provider.
func (s *Store[V]) Save(ctx context.Context, token string, value V, updatedAt time.Time, observedGen uint64) (bool, error) {
	cur, err := s.gens.Current(ctx, token)
	if err != nil {
		return false, errors.Wrap(err, "persist: read generation")
	}
	if cur != observedGen {
		return false, nil
	}
	payload, err := s.codec.Encode(value)
	if err != nil {
		return false, errors.Wrapf(err, "persist: encode with %s", s.codec.Name())
	}
	raw := wire.EncodeRecord(wire.Record{Gen: observedGen, UpdatedAt: updatedAt, Payload: payload})
	k := s.storageKey(token)
	ok, err := s.provider.Set(ctx, k, raw, s.cost(k, raw), s.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		s.onReject(token)
	}
	return ok, nil
}

// Invalidate bumps the generation of token and deletes its record.
func (s *Store[V]) Invalidate(ctx context.Context, token string) error {
	_, bumpErr := s.gens.Bump(ctx, token)
	delErr := s.provider.Del(ctx, s.storageKey(token))
	if bumpErr != nil || delErr != nil {
		return &InvalidateError{Token: token, BumpErr: bumpErr, DelErr: delErr}
	}
	return nil
}

// Remove deletes the record of token without touching its generation.
func (s *Store[V]) Remove(ctx context.Context, token string) error {
	return s.provider.Del(ctx, s.storageKey(token))
}

// Close closes the generation store and then the provider.
func (s *Store[V]) Close(ctx context.Context) error {
	gerr := s.gens.Close(ctx)
	perr := s.provider.Close(ctx)
	return errors.CombineErrors(gerr, perr)
}

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Listen chains callbacks after the ones given in Options. It must be called
// before the store is in use.
func (s *Store[V]) Listen(onHeal func(token, reason string), onRejected func(token string)) {
	if onHeal != nil {
		prev := s.onHeal
		s.onHeal = func(token, reason string) {
			prev(token, reason)
			onHeal(token, reason)
		}
	}
	if onRejected != nil {
		prev := s.onReject
		s.onReject = func(token string) {
			prev(token)
			onRejected(token)
		}
	}
}
