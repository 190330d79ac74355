package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-herald/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCache_GetPutExpiry(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	c := NewCache(NewStore(0), "followers", clock)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put("k", 42, FollowerTTL)

	clock.Advance(FollowerTTL - time.Second)
	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("Get() = %v, %v, want 42, true", v, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss once ttl elapsed")
	}
}

func TestCache_NamespacesAreIndependent(t *testing.T) {
	store := NewStore(0)
	a := NewCache(store, "a", nil)
	b := NewCache(store, "b", nil)
	a.Put("k", "from-a", time.Minute)

	if _, ok := b.Get("k"); ok {
		t.Error("namespace b saw namespace a's key")
	}
	if v, ok := a.Get("k"); !ok || v != "from-a" {
		t.Errorf("a.Get() = %v, %v", v, ok)
	}
}

func TestStore_LRUCap(t *testing.T) {
	store := NewStore(2)
	c := NewCache(store, "x", nil)
	c.Put("1", 1, time.Hour)
	c.Put("2", 2, time.Hour)
	c.Get("1") // 1 becomes most recent
	c.Put("3", 3, time.Hour)

	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}
	if _, ok := c.Get("2"); ok {
		t.Error("expected least recently used key to be evicted")
	}
	if _, ok := c.Get("1"); !ok {
		t.Error("expected recently used key to survive")
	}
}

func TestStore_SweepSkipsBackoffEntries(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	store := NewStore(0)
	c := NewCache(store, "hint", clock)
	b := NewBackoff(store, "tiktok", BlockSchedule)

	c.Put("short", true, HintTTL)
	c.Put("long", true, GameLinkTTL)
	b.Strike("alice", t0)

	if n := store.Sweep(t0.Add(2 * time.Minute)); n != 1 {
		t.Errorf("Sweep() removed %d entries, want 1", n)
	}
	if _, ok := b.Lookup("alice"); !ok {
		t.Error("sweep must never drop backoff entries")
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestFetch(t *testing.T) {
	c := NewCache(NewStore(0), "f", testutil.NewFakeClock(t0))
	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return 7, nil
	}
	for i := 0; i < 3; i++ {
		v, err := Fetch(context.Background(), c, "k", time.Minute, fetch)
		if err != nil || v != 7 {
			t.Fatalf("Fetch() = %d, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}

	boom := errors.New("boom")
	_, err := Fetch(context.Background(), c, "err", time.Minute, func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Fetch() error = %v, want boom", err)
	}
	if _, ok := c.Get("err"); ok {
		t.Error("errors must not be cached")
	}
}

func TestBackoff_ScheduleAndMonotonicity(t *testing.T) {
	b := NewBackoff(NewStore(0), "tiktok", BlockSchedule)
	want := []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 60 * time.Minute}

	now := t0
	var prev time.Time
	for i, d := range want {
		if !b.Eligible("alice", now) {
			t.Fatalf("strike %d: expected eligible at window end", i+1)
		}
		e := b.Strike("alice", now)
		if e.Strikes != i+1 {
			t.Errorf("strike %d: Strikes = %d", i+1, e.Strikes)
		}
		if got := e.NextEligibleAt.Sub(now); got != d {
			t.Errorf("strike %d: delay = %v, want %v", i+1, got, d)
		}
		if !e.NextEligibleAt.After(prev) {
			t.Errorf("strike %d: next eligible %v not after %v", i+1, e.NextEligibleAt, prev)
		}
		if b.Eligible("alice", now.Add(d-time.Second)) {
			t.Errorf("strike %d: eligible inside window", i+1)
		}
		prev = e.NextEligibleAt
		now = e.NextEligibleAt
	}

	b.Reset("alice")
	if _, ok := b.Lookup("alice"); ok {
		t.Fatal("Reset() left an entry")
	}
	if e := b.Strike("alice", now); e.Strikes != 1 || e.NextEligibleAt.Sub(now) != 5*time.Minute {
		t.Errorf("after reset Strike() = %+v, want first step", e)
	}
}

func TestBackoff_TimeDoesNotDecayStrikes(t *testing.T) {
	b := NewBackoff(NewStore(0), "tiktok", BlockSchedule)
	b.Strike("bob", t0)
	later := t0.Add(48 * time.Hour)
	if !b.Eligible("bob", later) {
		t.Fatal("expected eligible long after the window")
	}
	if e := b.Strike("bob", later); e.Strikes != 2 {
		t.Errorf("Strikes = %d, want 2", e.Strikes)
	}
}

func TestBackoff_Fixed(t *testing.T) {
	b := NewBackoff(NewStore(0), "youtube_quota", QuotaSchedule)
	for i := 0; i < 3; i++ {
		e := b.Strike("chan", t0)
		if e.NextEligibleAt.Sub(t0) != 30*time.Minute {
			t.Errorf("fixed delay = %v, want 30m", e.NextEligibleAt.Sub(t0))
		}
	}
}

func TestBackoff_ConcurrentStrikes(t *testing.T) {
	b := NewBackoff(NewStore(0), "c", Fixed(time.Minute))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Strike(fmt.Sprintf("k%d", i%5), t0)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		e, _ := b.Lookup(fmt.Sprintf("k%d", i))
		if e.Strikes != 10 {
			t.Errorf("k%d Strikes = %d, want 10", i, e.Strikes)
		}
	}
}
