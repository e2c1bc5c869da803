package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/storyd/internal/engine"
)

// Generator streams a chat completion. engine.Engine satisfies it.
type Generator interface {
	ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error
}

// Result describes a finished job for notifiers.
type Result struct {
	ID         string
	Model      string
	Prompt     string
	Text       string
	Status     Status
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, res Result) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, res Result) error

func (f NotifierFunc) Notify(ctx context.Context, res Result) error {
	return f(ctx, res)
}

const notifyTimeout = 5 * time.Second

// Runner drives one backend stream into one job's text.
type Runner struct {
	store     *Store
	gen       Generator
	model     string
	notifiers []Notifier
	logger    *slog.Logger
}

// NewRunner creates a Runner that generates with model and records into store.
func NewRunner(store *Store, gen Generator, model string, notifiers ...Notifier) *Runner {
	return &Runner{
		store:     store,
		gen:       gen,
		model:     model,
		notifiers: notifiers,
		logger:    slog.Default(),
	}
}

// Run streams a completion for messages into job id. It marks the job
// complete when the stream ends cleanly and error on any failure, including
// a panic or cancellation of ctx. Text received before a failure is kept.
func (r *Runner) Run(ctx context.Context, id string, messages []engine.Message) (err error) {
	res := Result{
		ID:        id,
		Model:     r.model,
		Prompt:    lastUserContent(messages),
		StartedAt: time.Now().UTC(),
	}
	var text strings.Builder

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", id, p)
		}
		res.Status = StatusComplete
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
		}
		r.store.SetStatus(id, res.Status)
		res.Text = text.String()
		res.FinishedAt = time.Now().UTC()
		r.notify(ctx, res)
	}()

	r.logger.Debug("job started", "job_id", id, "model", r.model, "messages", len(messages))

	err = r.gen.ChatStream(ctx, r.model, messages, func(delta string) {
		delta = stripEmphasis(delta)
		if delta == "" {
			return
		}
		text.WriteString(delta)
		r.store.Append(id, delta)
	})
	if err != nil {
		return fmt.Errorf("generating job %s: %w", id, err)
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, res Result) {
	if len(r.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, n := range r.notifiers {
		if err := n.Notify(ctx, res); err != nil {
			r.logger.Warn("job notification failed", "job_id", res.ID, "error", err)
		}
	}
}

// stripEmphasis removes literal asterisks the model emits as markdown emphasis.
func stripEmphasis(s string) string {
	return strings.ReplaceAll(s, "*", "")
}

func lastUserContent(messages []engine.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
