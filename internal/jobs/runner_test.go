package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storyd/internal/engine"
)

// genFunc adapts a function to the Generator interface.
type genFunc func(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error

func (f genFunc) ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string)) error {
	return f(ctx, model, messages, onDelta)
}

// scripted emits parts in order and then returns err.
func scripted(err error, parts ...string) genFunc {
	return func(_ context.Context, _ string, _ []engine.Message, onDelta func(string)) error {
		for _, p := range parts {
			onDelta(p)
		}
		return err
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) Notify(_ context.Context, res Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return nil
}

var userMsg = []engine.Message{{Role: "user", Content: "tell me a story"}}

func TestRunner_Complete(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("j"))
	n := &recordingNotifier{}
	r := NewRunner(s, scripted(nil, "Once ", "upon ", "a time"), "llama3.1", n)

	require.NoError(t, r.Run(context.Background(), "j", userMsg))

	j, err := s.Get("j")
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", j.Text)
	assert.Equal(t, StatusComplete, j.Status)

	require.Len(t, n.results, 1)
	res := n.results[0]
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, "Once upon a time", res.Text)
	assert.Equal(t, "tell me a story", res.Prompt)
	assert.Equal(t, "llama3.1", res.Model)
	assert.Empty(t, res.Error)
}

func TestRunner_FailureKeepsPartialText(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("j"))
	boom := errors.New("connection reset")
	n := &recordingNotifier{}
	r := NewRunner(s, scripted(boom, "Once "), "llama3.1", n)

	err := r.Run(context.Background(), "j", userMsg)
	require.ErrorIs(t, err, boom)

	j, err := s.Get("j")
	require.NoError(t, err)
	assert.Equal(t, "Once ", j.Text)
	assert.Equal(t, StatusError, j.Status)

	require.Len(t, n.results, 1)
	assert.Equal(t, StatusError, n.results[0].Status)
	assert.Contains(t, n.results[0].Error, "connection reset")
}

func TestRunner_StripsAsterisks(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("j"))
	r := NewRunner(s, scripted(nil, "**Once**", "*", " upon"), "m")

	require.NoError(t, r.Run(context.Background(), "j", userMsg))

	j, _ := s.Get("j")
	assert.Equal(t, "Once upon", j.Text)
}

func TestRunner_PanicBecomesError(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("j"))
	gen := genFunc(func(_ context.Context, _ string, _ []engine.Message, onDelta func(string)) error {
		onDelta("Once ")
		panic("decoder exploded")
	})
	r := NewRunner(s, gen, "m")

	err := r.Run(context.Background(), "j", userMsg)
	require.Error(t, err)

	j, _ := s.Get("j")
	assert.Equal(t, StatusError, j.Status)
	assert.Equal(t, "Once ", j.Text)
}

func TestRunner_CancelledContextIsError(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("j"))
	gen := genFunc(func(ctx context.Context, _ string, _ []engine.Message, _ func(string)) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := NewRunner(s, gen, "m")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx, "j", userMsg), context.Canceled)

	j, _ := s.Get("j")
	assert.Equal(t, StatusError, j.Status)
}

func TestRunner_ReapedJobIgnoresAppends(t *testing.T) {
	s := NewStore()
	r := NewRunner(s, scripted(nil, "orphan"), "m")

	require.NoError(t, r.Run(context.Background(), "gone", userMsg))
	assert.Equal(t, 0, s.Len())
}
