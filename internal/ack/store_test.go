package ack

import (
	"math"
	"testing"
)

func TestStoreAllocateIsUniqueAndOrdered(t *testing.T) {
	t.Parallel()
	s := NewStore()
	seen := make(map[uint64]struct{})
	var prev uint64
	for i := 0; i < 1000; i++ {
		id := s.Allocate()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ack id %d", id)
		}
		seen[id] = struct{}{}
		if i > 0 && id <= prev {
			t.Fatalf("ids not increasing: %d after %d", id, prev)
		}
		prev = id
	}
	if got := s.Outstanding(); got != 1000 {
		t.Fatalf("outstanding = %d, want 1000", got)
	}
}

func TestStoreResolveThenQueryReclaims(t *testing.T) {
	t.Parallel()
	s := NewStore()
	id := s.Allocate()

	if s.Query(id) {
		t.Fatalf("query before resolve reported true")
	}
	if !s.Resolve(id) {
		t.Fatalf("resolve of pending id failed")
	}
	if s.Resolve(id) {
		t.Fatalf("second resolve reported a transition")
	}
	if !s.Query(id) {
		t.Fatalf("query after resolve reported false")
	}
	// Reclaimed: every later answer is false again.
	if s.Query(id) {
		t.Fatalf("query after reclaim reported true")
	}
	if s.Resolve(id) {
		t.Fatalf("resolve after reclaim reported a transition")
	}
	if got := s.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}

func TestStoreResolveUnknownIDIsNoop(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Allocate()
	if s.Resolve(42) {
		t.Fatalf("resolve of never-issued id reported a transition")
	}
	if got := s.Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}
}

func TestStoreEvictOldestSparesResolvedWhilePendingRemain(t *testing.T) {
	t.Parallel()
	s := NewStore()
	a := s.Allocate()
	b := s.Allocate()
	c := s.Allocate()

	if !s.Resolve(a) {
		t.Fatalf("resolve %d failed", a)
	}

	// a resolved first, but the pending ids go before it, oldest first.
	id, ok := s.EvictOldest()
	if !ok || id != b {
		t.Fatalf("evicted (%d, %v), want (%d, true)", id, ok, b)
	}
	id, ok = s.EvictOldest()
	if !ok || id != c {
		t.Fatalf("evicted (%d, %v), want (%d, true)", id, ok, c)
	}
	// An evicted id can never resolve.
	if s.Resolve(b) {
		t.Fatalf("resolve of evicted id reported a transition")
	}
	// The durable id survived both evictions and still reports true.
	if !s.Query(a) {
		t.Fatalf("resolved id lost to eviction")
	}

	// With nothing pending, resolved ids are fair game.
	d := s.Allocate()
	if !s.Resolve(d) {
		t.Fatalf("resolve %d failed", d)
	}
	id, ok = s.EvictOldest()
	if !ok || id != d {
		t.Fatalf("evicted (%d, %v), want (%d, true)", id, ok, d)
	}
	if s.Query(d) {
		t.Fatalf("query of evicted id reported true")
	}
	if _, ok := s.EvictOldest(); ok {
		t.Fatalf("eviction from empty store succeeded")
	}
}

func TestStoreCursorWrapResetsEverything(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.cursor = math.MaxUint64 - 1

	id := s.Allocate()
	if id != math.MaxUint64-1 {
		t.Fatalf("id = %d, want %d", id, uint64(math.MaxUint64-1))
	}
	if !s.Resolve(id) {
		t.Fatalf("resolve before wrap failed")
	}

	last := s.Allocate()
	if last != math.MaxUint64 {
		t.Fatalf("id = %d, want %d", last, uint64(math.MaxUint64))
	}
	// The wrap dropped all state, including the resolved id from before.
	if got := s.Cursor(); got != 0 {
		t.Fatalf("cursor = %d, want 0 after wrap", got)
	}
	if got := s.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0 after wrap", got)
	}
	if s.Query(id) {
		t.Fatalf("pre-wrap id survived the reset")
	}

	fresh := s.Allocate()
	if fresh != 0 {
		t.Fatalf("first post-wrap id = %d, want 0", fresh)
	}
}

func TestStoreCompactionKeepsEvictionCorrect(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := 0; i < compactThreshold*3; i++ {
		s.Allocate()
	}
	var prev uint64
	for i := 0; i < compactThreshold*3; i++ {
		id, ok := s.EvictOldest()
		if !ok {
			t.Fatalf("eviction %d failed", i)
		}
		if i > 0 && id <= prev {
			t.Fatalf("eviction order broken: %d after %d", id, prev)
		}
		prev = id
	}
	if got := s.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}
