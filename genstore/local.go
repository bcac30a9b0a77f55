package genstore

import (
	"context"
	"sync"
	"time"
)

type localGen struct {
	gen     uint64
	touched time.Time
}

// Local keeps generations in memory. A counter lost to pruning reads as 0,
// which only ever makes older records look stale.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localGen

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*Local)(nil)

type LocalConfig struct {
	// PruneEvery starts a janitor when > 0 (and Retention > 0).
	PruneEvery time.Duration
	Retention  time.Duration
}

func NewLocal(cfg LocalConfig) *Local {
	s := &Local{gens: make(map[string]localGen)}
	if cfg.PruneEvery > 0 && cfg.Retention > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.janitor(ctx, cfg.PruneEvery, cfg.Retention)
	}
	return s
}

func (s *Local) janitor(ctx context.Context, every, retention time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Prune(retention)
		}
	}
}

func (s *Local) Current(_ context.Context, token string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[token].gen
	s.mu.RUnlock()
	return g, nil
}

func (s *Local) CurrentMany(_ context.Context, tokens []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(tokens))
	s.mu.RLock()
	for _, t := range tokens {
		out[t] = s.gens[t].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, token string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	g := s.gens[token]
	g.gen++
	g.touched = now
	s.gens[token] = g
	s.mu.Unlock()
	return g.gen, nil
}

func (s *Local) Prune(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	for t, g := range s.gens {
		if g.touched.Before(cutoff) {
			delete(s.gens, t)
		}
	}
	s.mu.Unlock()
}

// Len reports how many counters are held.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			s.wg.Wait()
		}
	})
	return nil
}
