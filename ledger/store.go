// Package ledger provides the process-local TTL cache and backoff ledger the
// verification adapters consult before touching the network. Both share one
// keyed Store so a single size cap and housekeeping sweep cover everything.
package ledger

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Store is a mutex-guarded keyed store with optional LRU eviction. Entries
// given a deadline are dropped by Sweep once it passes; entries without one
// live until removed or evicted.
type Store struct {
	mu       sync.Mutex
	entries  *lru.Cache
	deadline map[string]time.Time
}

// NewStore returns a store holding at most maxEntries keys. Zero means
// unbounded.
func NewStore(maxEntries int) *Store {
	s := &Store{deadline: make(map[string]time.Time)}
	s.entries = lru.New(maxEntries)
	s.entries.OnEvicted = func(key lru.Key, _ interface{}) {
		if k, ok := key.(string); ok {
			delete(s.deadline, k)
		}
	}
	return s
}

func (s *Store) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Get(key)
}

func (s *Store) put(key string, v any, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, v, deadline)
}

func (s *Store) putLocked(key string, v any, deadline time.Time) {
	s.entries.Add(key, v)
	if deadline.IsZero() {
		delete(s.deadline, key)
	} else {
		s.deadline[key] = deadline
	}
}

// update runs fn under the lock with the current value so read-modify-write
// sequences are atomic.
func (s *Store) update(key string, fn func(cur any, ok bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries.Get(key)
	next := fn(cur, ok)
	s.putLocked(key, next, time.Time{})
	return next
}

func (s *Store) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

// Sweep drops every entry whose deadline is at or before now and reports how
// many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for k, d := range s.deadline {
		if !now.Before(d) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		s.entries.Remove(k)
	}
	return len(expired)
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}
