package genstore

import (
	"context"
	"testing"
	"time"
)

func TestLocalCurrentManyZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	for range 2 {
		if _, err := s.Bump(ctx, `["b"]`); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.CurrentMany(ctx, []string{`["a"]`, `["b"]`, `["c"]`})
	if err != nil {
		t.Fatal(err)
	}
	if got[`["a"]`] != 0 || got[`["b"]`] != 2 || got[`["c"]`] != 0 {
		t.Fatalf("got=%v want a=0,b=2,c=0", got)
	}
}

func TestLocalBumpIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	var last uint64
	for range 5 {
		g, err := s.Bump(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if g <= last {
			t.Fatalf("gen went from %d to %d", last, g)
		}
		last = g
	}
	if cur, _ := s.Current(ctx, "k"); cur != last {
		t.Fatalf("Current=%d want %d", cur, last)
	}
}

func TestLocalPruneDropsIdle(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(LocalConfig{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	if _, err := s.Bump(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Bump(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	s.Prune(25 * time.Millisecond)

	if g, _ := s.Current(ctx, "old"); g != 0 {
		t.Fatalf("expected pruned -> 0, got %d", g)
	}
	if g, _ := s.Current(ctx, "fresh"); g != 1 {
		t.Fatalf("fresh counter pruned, got %d", g)
	}
}

func TestLocalJanitorStopsOnClose(t *testing.T) {
	s := NewLocal(LocalConfig{PruneEvery: 5 * time.Millisecond, Retention: time.Millisecond})
	if _, err := s.Bump(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never pruned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	// second close is a no-op
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}
