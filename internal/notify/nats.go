// Package notify publishes generation outcomes to NATS so other services can
// react to finished stories.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/storyd/internal/jobs"
)

// Event is the JSON payload published for every finished job.
type Event struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	Text       string    `json:"text"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher sends Events on a single subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("storyd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewPublisher(nc, subject), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject, logger: slog.Default()}
}

// Notify publishes res and flushes so the event is on the wire before the
// call returns.
func (p *Publisher) Notify(ctx context.Context, res jobs.Result) error {
	data, err := json.Marshal(Event{
		JobID:      res.ID,
		Status:     string(res.Status),
		Model:      res.Model,
		Prompt:     res.Prompt,
		Text:       res.Text,
		Error:      res.Error,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing nats connection: %w", err)
	}
	p.logger.Debug("generation event published", "job_id", res.ID, "subject", p.subject)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
