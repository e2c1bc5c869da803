package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/kalambet/storyd/internal/engine"
)

// Controller is the start/poll surface over a Store, Runner and Supervisor.
type Controller struct {
	store  *Store
	runner *Runner
	sup    *Supervisor
	newID  func() string
	logger *slog.Logger
}

// NewController wires the job components together.
func NewController(store *Store, runner *Runner, sup *Supervisor) *Controller {
	return &Controller{
		store:  store,
		runner: runner,
		sup:    sup,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
}

// Start creates a job for messages and launches its runner. It returns as
// soon as the runner is scheduled, before any backend I/O.
func (c *Controller) Start(messages []engine.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: messages must not be empty", ErrInvalidInput)
	}

	id := c.newID()
	if err := c.store.Create(id); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	msgs := slices.Clone(messages)
	err := c.sup.Go(id, func(ctx context.Context) error {
		return c.runner.Run(ctx, id, msgs)
	})
	if err != nil {
		c.store.Delete(id)
		return "", fmt.Errorf("starting job: %w", err)
	}

	c.logger.Info("job started", "job_id", id, "messages", len(msgs))
	return id, nil
}

// Poll returns the job's current text and status. A terminal job is removed
// as it is returned, so the next Poll for the same id gets ErrNotFound.
func (c *Controller) Poll(id string) (Job, error) {
	j, err := c.store.Collect(id)
	if err != nil {
		return Job{}, err
	}
	if j.Status.Terminal() {
		c.logger.Info("job collected", "job_id", id, "status", j.Status, "chars", len(j.Text))
	}
	return j, nil
}

// Active returns the number of runners still executing.
func (c *Controller) Active() int {
	return c.sup.Active()
}
