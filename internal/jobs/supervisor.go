package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// TaskFailure reports a supervised task that returned an error.
type TaskFailure struct {
	ID  string
	Err error
}

const failureBuffer = 64

// Supervisor owns the background tasks of the process. Tasks run on the
// supervisor's context, not on the context of whoever started them.
type Supervisor struct {
	ctx      context.Context
	g        errgroup.Group
	failures chan TaskFailure
	active   atomic.Int64
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewSupervisor creates a Supervisor whose tasks observe ctx. Cancelling ctx
// asks every running task to stop.
func NewSupervisor(ctx context.Context) *Supervisor {
	return &Supervisor{
		ctx:      ctx,
		failures: make(chan TaskFailure, failureBuffer),
		logger:   slog.Default(),
	}
}

// Go starts task in its own goroutine. A returned error or a panic is
// reported on Failures. Go never blocks on the task.
func (s *Supervisor) Go(id string, task func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.active.Add(1)
	s.g.Go(func() (err error) {
		defer s.active.Add(-1)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task %s panicked: %v", id, p)
			}
			if err != nil {
				s.report(TaskFailure{ID: id, Err: err})
			}
		}()
		return task(s.ctx)
	})
	return nil
}

func (s *Supervisor) report(f TaskFailure) {
	select {
	case s.failures <- f:
	default:
		s.logger.Warn("task failure dropped, channel full", "task_id", f.ID, "error", f.Err)
	}
}

// Failures delivers task errors. It is closed by Wait.
func (s *Supervisor) Failures() <-chan TaskFailure {
	return s.failures
}

// Active returns the number of tasks still running.
func (s *Supervisor) Active() int {
	return int(s.active.Load())
}

// Wait stops accepting new tasks, blocks until all running tasks return and
// closes Failures. It returns the first task error, if any.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.g.Wait()
	s.closeOnce.Do(func() { close(s.failures) })
	return err
}
