package persist

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/internal/wire"
	pr "github.com/unkn0wn-root/querycache/provider"
)

type memProvider struct {
	mu     sync.Mutex
	m      map[string][]byte
	gets   atomic.Int32
	reject bool
	delErr error
	block  chan struct{}
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.gets.Add(1)
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if p.reject {
		return false, nil
	}
	p.mu.Lock()
	p.m[key] = value
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return p.delErr
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = v
	p.mu.Unlock()
}

type event struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func newTestStore(t *testing.T, mp *memProvider, tweak func(*Options[event])) *Store[event] {
	t.Helper()
	opts := Options[event]{
		Namespace: "events",
		Provider:  mp,
		Codec:     codec.JSON[event]{},
		GenStore:  genstore.NewLocal(genstore.LocalConfig{}),
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

const tok = `["events",{"id":1}]`

func TestSaveLoadInvalidate(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)

	if _, ok, err := s.Load(ctx, tok); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	gen, err := s.Generation(ctx, tok)
	if err != nil || gen != 0 {
		t.Fatalf("Generation=%d err=%v", gen, err)
	}
	at := time.Unix(1700000000, 0)
	saved, err := s.Save(ctx, tok, event{ID: 1, Title: "launch"}, at, gen)
	if err != nil || !saved {
		t.Fatalf("Save saved=%v err=%v", saved, err)
	}

	rec, ok, err := s.Load(ctx, tok)
	if err != nil || !ok {
		t.Fatalf("Load ok=%v err=%v", ok, err)
	}
	if rec.Value.Title != "launch" || !rec.UpdatedAt.Equal(at) || rec.Gen != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := s.Invalidate(ctx, tok); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mp.has(s.storageKey(tok)) {
		t.Fatalf("record survived invalidation")
	}

	// a save that observed the old generation loses
	saved, err = s.Save(ctx, tok, event{ID: 1, Title: "stale"}, at, gen)
	if err != nil || saved {
		t.Fatalf("stale save went through: saved=%v err=%v", saved, err)
	}
	if _, ok, _ := s.Load(ctx, tok); ok {
		t.Fatalf("stale save became visible")
	}
}

func TestLoadHealsOutdatedRecord(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	var reasons []string
	s := newTestStore(t, mp, func(o *Options[event]) {
		o.OnHeal = func(_, reason string) { reasons = append(reasons, reason) }
	})

	if _, err := s.Save(ctx, tok, event{ID: 1}, time.Now(), 0); err != nil {
		t.Fatal(err)
	}
	// another process bumped the generation without deleting the record
	if _, err := s.gens.Bump(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load(ctx, tok); ok {
		t.Fatalf("outdated record served")
	}
	if mp.has(s.storageKey(tok)) {
		t.Fatalf("outdated record not deleted")
	}
	if len(reasons) != 1 || reasons[0] != HealGenMismatch {
		t.Fatalf("reasons=%v", reasons)
	}
}

func TestLoadHealsCorruptAndUndecodable(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	var reasons []string
	s := newTestStore(t, mp, func(o *Options[event]) {
		o.OnHeal = func(_, reason string) { reasons = append(reasons, reason) }
	})

	mp.put(s.storageKey(tok), []byte("garbage"))
	if _, ok, err := s.Load(ctx, tok); ok || err != nil {
		t.Fatalf("corrupt: ok=%v err=%v", ok, err)
	}

	mp.put(s.storageKey(tok), wire.EncodeRecord(wire.Record{Payload: []byte("{not json")}))
	if _, ok, err := s.Load(ctx, tok); ok || err != nil {
		t.Fatalf("undecodable: ok=%v err=%v", ok, err)
	}

	// vlen points past the buffer
	raw := wire.EncodeRecord(wire.Record{Payload: []byte(`{"id":1}`)})
	binary.BigEndian.PutUint32(raw[22:26], 999)
	mp.put(s.storageKey(tok), raw)
	if _, ok, _ := s.Load(ctx, tok); ok {
		t.Fatalf("bad framing served")
	}

	want := []string{HealCorrupt, HealDecode, HealCorrupt}
	if len(reasons) != len(want) {
		t.Fatalf("reasons=%v want %v", reasons, want)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons=%v want %v", reasons, want)
		}
	}
}

func TestLoadCoalescesConcurrentReads(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)
	if _, err := s.Save(ctx, tok, event{ID: 1}, time.Now(), 0); err != nil {
		t.Fatal(err)
	}
	mp.block = make(chan struct{})
	mp.gets.Store(0)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Load(ctx, tok); !ok || err != nil {
				t.Errorf("Load ok=%v err=%v", ok, err)
			}
		}()
	}
	// let every goroutine join the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(mp.block)
	wg.Wait()

	if n := mp.gets.Load(); n != 1 {
		t.Fatalf("provider Get called %d times, want 1", n)
	}
}

func TestSaveReportsRejection(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	mp.reject = true
	var rejected string
	s := newTestStore(t, mp, func(o *Options[event]) {
		o.OnRejected = func(token string) { rejected = token }
	})
	saved, err := s.Save(ctx, tok, event{ID: 1}, time.Now(), 0)
	if err != nil || saved {
		t.Fatalf("saved=%v err=%v", saved, err)
	}
	if rejected != tok {
		t.Fatalf("rejection not reported, got %q", rejected)
	}
}

func TestInvalidateErrorUnwraps(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	boom := errors.New("boom")
	mp.delErr = boom
	s := newTestStore(t, mp, nil)

	err := s.Invalidate(ctx, tok)
	var ie *InvalidateError
	if !errors.As(err, &ie) || ie.BumpErr != nil {
		t.Fatalf("expected delete-only InvalidateError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("errors.Is through Unwrap failed")
	}
	// the generation still moved
	if g, _ := s.Generation(ctx, tok); g != 1 {
		t.Fatalf("gen=%d want 1", g)
	}
}

func TestRemoveKeepsGeneration(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)
	if _, err := s.Save(ctx, tok, event{ID: 1}, time.Now(), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load(ctx, tok); ok {
		t.Fatalf("removed record served")
	}
	if g, _ := s.Generation(ctx, tok); g != 0 {
		t.Fatalf("Remove bumped generation to %d", g)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options[event]{Namespace: "x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v", err)
	}
}
