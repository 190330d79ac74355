package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Task is a periodic housekeeping job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// StartMaintenance runs each task on its own ticker until ctx is done. The
// first run of every task is delayed by a random jitter of up to a tenth of
// its interval so tasks do not fire in lockstep. The returned WaitGroup
// completes once every loop has exited.
func StartMaintenance(ctx context.Context, logger *slog.Logger, tasks ...Task) *sync.WaitGroup {
	if logger == nil {
		logger = slog.Default()
	}
	var wg sync.WaitGroup
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			logger.Info("maintenance task disabled", slog.String("task", t.Name))
			continue
		}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			runTask(ctx, logger.With(slog.String("task", t.Name)), t)
		}(t)
	}
	return &wg
}

func jitter(interval time.Duration) time.Duration {
	n := int64(interval / 10)
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(n)) //nolint:gosec // scheduling jitter only
}

func runTask(ctx context.Context, log *slog.Logger, t Task) {
	log.Info("maintenance task starting", slog.Duration("interval", t.Interval))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter(t.Interval)):
	}
	once := func() {
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			log.Warn("maintenance task failed", slog.Any("err", err))
			return
		}
		log.Debug("maintenance task done", slog.Duration("took", time.Since(start)))
	}
	once()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance task stopped")
			return
		case <-ticker.C:
			once()
		}
	}
}
