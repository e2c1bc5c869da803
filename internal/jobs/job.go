// Package jobs runs text generations in the background and lets clients poll
// for their accumulated output.
package jobs

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusError      Status = "error"
	StatusComplete   Status = "complete"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusComplete
}

var (
	// ErrNotFound is returned for unknown or already reaped job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidInput is returned when a job cannot be started from the given request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrClosed is returned when starting a job after shutdown began.
	ErrClosed = errors.New("job supervisor is shut down")
)

// Job is a snapshot of one generation task.
type Job struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
