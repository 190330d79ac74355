// Package scheduler selects the pairs due on each tick and runs their check
// jobs on a bounded worker pool. A pair never has two jobs in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/livecheck"
	"github.com/onnwee/live-herald/telemetry"
)

// standardEvery is the tick divisor for standard-tier entities.
const standardEvery = 3

// HeartbeatKey is the kv key updated after every tick.
const HeartbeatKey = "job_live_tick_last"

// Catalog lists tracked entities.
type Catalog interface {
	ListTrackedEntities(ctx context.Context) ([]live.Entity, error)
}

// Runner executes one check job.
type Runner interface {
	Run(ctx context.Context, job livecheck.Job) (livecheck.Result, error)
}

// KV stores the tick heartbeat.
type KV interface {
	SetKV(ctx context.Context, key, value string) error
}

// Scheduler drives check jobs. Configure the exported fields before the
// first call; they are read without locking.
type Scheduler struct {
	Catalog Catalog
	Runner  Runner
	// Workers caps concurrently running jobs; zero means 4.
	Workers int
	// JobTimeout bounds each job; zero means 45s.
	JobTimeout time.Duration
	// Interval is the tick period; zero means one minute.
	Interval time.Duration
	// Heartbeat is optional.
	Heartbeat KV
	Clock     ledger.Clock
	Logger    *slog.Logger

	initOnce sync.Once
	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[live.Key]struct{}
	wg       sync.WaitGroup
}

func (s *Scheduler) init() {
	s.initOnce.Do(func() {
		workers := s.Workers
		if workers <= 0 {
			workers = 4
		}
		s.sem = semaphore.NewWeighted(int64(workers))
		s.inFlight = make(map[live.Key]struct{})
	})
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

func (s *Scheduler) jobTimeout() time.Duration {
	if s.JobTimeout > 0 {
		return s.JobTimeout
	}
	return 45 * time.Second
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

// Due reports whether e is polled on the tick at now: privileged entities
// every tick, standard ones when the minute index is a multiple of 3.
func Due(e live.Entity, now time.Time) bool {
	if e.Privileged() {
		return true
	}
	return (now.Unix()/60)%standardEvery == 0
}

// Tick returns one job per identity of every entity due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]livecheck.Job, error) {
	entities, err := s.Catalog.ListTrackedEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked entities: %w", err)
	}
	var jobs []livecheck.Job
	for _, e := range entities {
		if !Due(e, now) {
			continue
		}
		for _, id := range e.Identities {
			jobs = append(jobs, livecheck.Job{Entity: e, Identity: id})
		}
	}
	return jobs, nil
}

// Dispatch starts jobs without blocking and returns how many were started.
// Jobs for pairs that are still in flight are skipped.
func (s *Scheduler) Dispatch(ctx context.Context, jobs []livecheck.Job) int {
	s.init()
	started := 0
	for _, job := range jobs {
		key := job.Key()
		if !s.claim(key) {
			telemetry.CountSkipped()
			s.logger().Debug("check still in flight; skipping",
				slog.String("entity", key.EntityID),
				slog.String("platform", string(key.Platform)))
			continue
		}
		started++
		s.wg.Add(1)
		go s.run(ctx, job)
	}
	return started
}

func (s *Scheduler) claim(key live.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key live.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// InFlight returns the number of claimed pairs, queued or running.
func (s *Scheduler) InFlight() int {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) run(ctx context.Context, job livecheck.Job) {
	key := job.Key()
	defer s.wg.Done()
	defer s.release(key)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	telemetry.AddInFlight(1)
	defer telemetry.AddInFlight(-1)

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout())
	defer cancel()
	log := telemetry.LoggerWithCorr(ctx, s.logger()).With(
		slog.String("component", "scheduler"),
		slog.String("entity", key.EntityID),
		slog.String("platform", string(key.Platform)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("check job panicked", slog.Any("panic", r))
		}
	}()

	if _, err := s.Runner.Run(ctx, job); err != nil {
		class := live.Classify(err)
		level := slog.LevelWarn
		if class == live.ClassFatal || class == live.ClassUnknown {
			level = slog.LevelError
		}
		log.Log(ctx, level, "check job failed", slog.String("class", class.String()), slog.Any("err", err))
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// RunOnce selects and dispatches the jobs due now.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	var (
		started int
		err     error
	)
	telemetry.TimeFunc(telemetry.TickDuration, func() {
		var jobs []livecheck.Job
		jobs, err = s.Tick(ctx, s.now())
		if err == nil {
			started = s.Dispatch(ctx, jobs)
		}
	})
	if err != nil {
		return 0, err
	}
	if s.Heartbeat != nil {
		if herr := s.Heartbeat.SetKV(ctx, HeartbeatKey, s.now().UTC().Format(time.RFC3339Nano)); herr != nil {
			s.logger().Warn("tick heartbeat failed", slog.Any("err", herr))
		}
	}
	return started, nil
}

// Run ticks until ctx is done. It does not wait for running jobs; call Wait.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.interval()
	s.logger().Info("scheduler starting", slog.Duration("interval", interval), slog.Int("workers", s.Workers))
	tick := func() {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger().Warn("tick failed", slog.Any("err", err))
			return
		}
		s.logger().Debug("tick dispatched", slog.Int("jobs", n))
	}
	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("scheduler stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
