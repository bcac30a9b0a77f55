// Package ristretto keeps persisted query records in a cost-bounded
// in-process cache. Useful when the persistence tier only has to outlive
// entry collection, not the process.
package ristretto

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/querycache/provider"
)

// Provider admits records by TinyLFU. Sets are buffered: a record may show
// up shortly after Set returns, or be refused (ok=false) under pressure.
type Provider struct {
	c        *rc.Cache
	maxEntry int
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64 // ~10x the expected number of records
	MaxCost     int64 // bytes when the default cost function is used
	BufferItems int64 // 64 is the library's recommendation
	// MaxEntryBytes refuses single records above this size; 0 => no limit.
	MaxEntryBytes int
	Metrics       bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.Newf("ristretto provider: invalid config %+v", cfg)
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ristretto provider")
	}
	return &Provider{c: c, maxEntry: cfg.MaxEntryBytes}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if p.maxEntry > 0 && len(value) > p.maxEntry {
		return false, nil
	}
	if cost <= 0 {
		cost = int64(len(value))
	}
	return p.c.SetWithTTL(key, value, cost, max(ttl, 0)), nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

// Wait blocks until buffered sets are applied.
func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Stats is a snapshot of the admission counters; zero unless
// Config.Metrics is set.
type Stats struct {
	Hits, Misses uint64
	Rejected     uint64
	CostEvicted  uint64
	HitRatio     float64
	KeysAdded    uint64
	KeysEvicted  uint64
}

func (p *Provider) Stats() Stats {
	m := p.c.Metrics
	if m == nil {
		return Stats{}
	}
	return Stats{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		Rejected:    m.SetsRejected(),
		CostEvicted: m.CostEvicted(),
		HitRatio:    m.Ratio(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
	}
}
