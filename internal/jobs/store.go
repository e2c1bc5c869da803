package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type entry struct {
	text    strings.Builder
	status  Status
	created time.Time
	// touched is the last append, status change, or read.
	touched time.Time
}

func (e *entry) snapshot(id string) Job {
	return Job{
		ID:        id,
		Text:      e.text.String(),
		Status:    e.status,
		CreatedAt: e.created,
		UpdatedAt: e.touched,
	}
}

// Store is the process-wide table of generation jobs. All methods are safe
// for concurrent use; every operation on an id is atomic.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
}

// Create inserts a job with empty text and status in_progress.
func (s *Store) Create(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("job %s already exists", id)
	}
	now := s.now()
	s.jobs[id] = &entry{status: StatusInProgress, created: now, touched: now}
	return nil
}

// Append adds fragment to the job's text. It does nothing when the job is
// gone, which happens when a runner outlives a sweep.
func (s *Store) Append(id, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return
	}
	e.text.WriteString(fragment)
	e.touched = s.now()
}

// SetStatus moves an in_progress job to status. A job that already reached a
// terminal state keeps it. Reports whether the transition was applied.
func (s *Store) SetStatus(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok || e.status.Terminal() || status == e.status {
		return false
	}
	e.status = status
	e.touched = s.now()
	return true
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.snapshot(id), nil
}

// Delete removes the job if present.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Collect returns a snapshot of the job and removes it when the snapshot is
// terminal. Of several concurrent callers at most one observes the terminal
// state; the rest get ErrNotFound.
func (s *Store) Collect(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	j := e.snapshot(id)
	if j.Status.Terminal() {
		delete(s.jobs, id)
	} else {
		e.touched = s.now()
	}
	return j, nil
}

// Sweep evicts every job whose last activity is before cutoff and returns the
// evicted ids.
func (s *Store) Sweep(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, e := range s.jobs {
		if e.touched.Before(cutoff) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of jobs held, finished or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Active returns the number of in_progress jobs.
func (s *Store) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.jobs {
		if e.status == StatusInProgress {
			n++
		}
	}
	return n
}
