// Package followers serves cached follower-count lookups for the adapters and
// runs the periodic refresh that keeps the follower gauges current.
package followers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/telemetry"
)

// Counter fetches an uncached follower total for a handle.
type Counter interface {
	CountFollowers(ctx context.Context, handle string) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context, handle string) (int, error)

func (f CounterFunc) CountFollowers(ctx context.Context, handle string) (int, error) {
	return f(ctx, handle)
}

// ErrNoCounter is returned for platforms without a registered counter.
var ErrNoCounter = errors.New("no follower counter for platform")

// Service caches follower counts per (platform, handle).
type Service struct {
	cache  *ledger.Cache
	logger *slog.Logger

	mu       sync.RWMutex
	counters map[live.Platform]Counter
}

// New returns a service backed by cache.
func New(cache *ledger.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: cache, logger: logger, counters: make(map[live.Platform]Counter)}
}

// Register installs the counter for p.
func (s *Service) Register(p live.Platform, c Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[p] = c
}

func (s *Service) counter(p live.Platform) (Counter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[p]
	return c, ok
}

func cacheKey(id live.Identity) string {
	return string(id.Platform) + ":" + strings.ToLower(id.Handle)
}

// Count returns the follower total for id, cached for five minutes.
func (s *Service) Count(ctx context.Context, id live.Identity) (int, error) {
	c, ok := s.counter(id.Platform)
	if !ok {
		return 0, fmt.Errorf("%s: %w", id.Platform, ErrNoCounter)
	}
	return ledger.Fetch(ctx, s.cache, cacheKey(id), ledger.FollowerTTL, func(ctx context.Context) (int, error) {
		return c.CountFollowers(ctx, id.Handle)
	})
}

// Remember seeds the cache with a count learned as a side effect of a probe.
func (s *Service) Remember(id live.Identity, n int) {
	s.cache.Put(cacheKey(id), n, ledger.FollowerTTL)
}

// EntityLister supplies the tracked entities to refresh.
type EntityLister interface {
	ListTrackedEntities(ctx context.Context) ([]live.Entity, error)
}

// Refresh re-reads the follower count of every identity with a counter and
// publishes it on the follower gauge. Individual failures are logged.
func (s *Service) Refresh(ctx context.Context, lister EntityLister) (int, error) {
	entities, err := lister.ListTrackedEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked entities: %w", err)
	}
	refreshed := 0
	for _, e := range entities {
		for _, id := range e.Identities {
			if ctx.Err() != nil {
				return refreshed, ctx.Err()
			}
			if _, ok := s.counter(id.Platform); !ok {
				continue
			}
			s.cache.Delete(cacheKey(id))
			n, err := s.Count(ctx, id)
			if err != nil {
				s.logger.Debug("follower refresh failed",
					slog.String("entity", e.ID),
					slog.String("platform", string(id.Platform)),
					slog.Any("err", err))
				continue
			}
			telemetry.SetFollowerCount(e.ID, string(id.Platform), n)
			refreshed++
		}
	}
	return refreshed, nil
}
