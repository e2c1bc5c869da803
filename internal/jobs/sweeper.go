package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper evicts jobs that nobody has touched for longer than a TTL. Without
// it, a job whose client never polls to completion stays in the Store for
// the life of the process.
type Sweeper struct {
	store *Store
	ttl   time.Duration
	poll  time.Duration
	now   func() time.Time

	logger *slog.Logger
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to one minute.
func NewSweeper(store *Store, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:  store,
		ttl:    ttl,
		poll:   interval,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce evicts expired jobs and returns how many were removed.
func (s *Sweeper) RunOnce(_ context.Context) int {
	if s.ttl <= 0 {
		return 0
	}
	evicted := s.store.Sweep(s.now().Add(-s.ttl))
	for _, id := range evicted {
		s.logger.Info("job evicted", "job_id", id, "ttl", s.ttl)
	}
	return len(evicted)
}
