package taskdir

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes task directories whose liveness marker has
// aged past the TTL. Tasks without a marker are left alone; they have not
// become eligible yet.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. interval defaults to 60s and ttl to 5m when
// non-positive.
func NewSweeper(store *Store, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.SweepOnce(time.Now()); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if removed > 0 {
				s.logger.Info("swept expired tasks", "removed", removed, "ttl", s.ttl)
			}
		}
	}
}

// SweepOnce performs a single pass and returns the number of tasks removed.
// A task is removed only when its marker age strictly exceeds the TTL. The
// pass is best-effort: a task touched mid-sweep may still be removed if its
// marker was stale when read.
func (s *Sweeper) SweepOnce(now time.Time) (int, error) {
	ids, err := s.store.Tasks()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		last, ok, err := s.store.LastActive(id)
		if err != nil {
			s.logger.Warn("skipping task with unreadable marker", "task_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if now.Sub(last) <= s.ttl {
			continue
		}
		if err := s.store.Delete(id); err != nil {
			s.logger.Warn("removing expired task failed", "task_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
