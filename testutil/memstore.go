package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"github.com/onnwee/live-herald/live"
)

// MemoryStore is an in-memory status store and catalog with the same
// semantics as db.Store.
type MemoryStore struct {
	mu       sync.Mutex
	entities []live.Entity
	subs     []live.Subscription
	records  map[live.Key]live.Record
	streaks  map[string]streak

	// MarkNotifiedErr, when set, fails MarkNotified.
	MarkNotifiedErr error
	// Writes counts successful mutations.
	Writes int
}

type streak struct {
	current  int
	lastLive civil.Date
}

// NewMemoryStore returns a store holding entities and subs.
func NewMemoryStore(entities []live.Entity, subs []live.Subscription) *MemoryStore {
	return &MemoryStore{
		entities: entities,
		subs:     subs,
		records:  make(map[live.Key]live.Record),
		streaks:  make(map[string]streak),
	}
}

func (m *MemoryStore) ListTrackedEntities(context.Context) ([]live.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]live.Entity, len(m.entities))
	copy(out, m.entities)
	return out, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, entityID string) ([]live.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []live.Subscription
	for _, s := range m.subs {
		if s.EntityID == entityID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Put replaces the record for r's key.
func (m *MemoryStore) Put(r live.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Key()] = r
}

func (m *MemoryStore) Get(_ context.Context, key live.Key) (live.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key), nil
}

func (m *MemoryStore) getLocked(key live.Key) live.Record {
	if r, ok := m.records[key]; ok {
		return r
	}
	return live.Record{EntityID: key.EntityID, Platform: key.Platform}
}

func (m *MemoryStore) MarkNotified(_ context.Context, key live.Key, today civil.Date, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkNotifiedErr != nil {
		return m.MarkNotifiedErr
	}
	r := m.getLocked(key)
	r.IsLive = true
	r.LastNotified = today
	start := at
	r.SessionStart = &start
	r.UpdatedAt = at
	m.records[key] = r
	m.Writes++
	return nil
}

func (m *MemoryStore) SetMessage(_ context.Context, key live.Key, h *live.MessageHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(key)
	if h != nil {
		cp := *h
		h = &cp
	}
	r.Message = h
	m.records[key] = r
	m.Writes++
	return nil
}

func (m *MemoryStore) MarkOffline(_ context.Context, key live.Key, clearMessage bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getLocked(key)
	r.IsLive = false
	r.SessionStart = nil
	if clearMessage {
		r.Message = nil
	}
	m.records[key] = r
	m.Writes++
	return nil
}

func (m *MemoryStore) ClearMessage(_ context.Context, key live.Key, h live.MessageHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || r.IsLive || r.Message == nil || *r.Message != h {
		return nil
	}
	r.Message = nil
	m.records[key] = r
	m.Writes++
	return nil
}

func (m *MemoryStore) AnyLive(_ context.Context, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.records {
		if k.EntityID == entityID && r.IsLive {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListOrphanedMessages(context.Context) ([]live.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []live.Record
	for _, r := range m.records {
		if !r.IsLive && r.Message != nil {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// ListLive returns the records currently live.
func (m *MemoryStore) ListLive(context.Context) ([]live.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []live.Record
	for _, r := range m.records {
		if r.IsLive {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) BumpStreak(_ context.Context, entityID string, today civil.Date) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streaks[entityID]
	switch {
	case s.lastLive == today:
	case s.lastLive.AddDays(1) == today:
		s.current++
	default:
		s.current = 1
	}
	s.lastLive = today
	m.streaks[entityID] = s
	m.Writes++
	return s.current, nil
}

// Record returns the stored record for key.
func (m *MemoryStore) Record(key live.Key) live.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func sortRecords(rs []live.Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key().String() < rs[j].Key().String() })
}
